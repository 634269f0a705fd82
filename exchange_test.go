package meshportal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableRegisterComplete(t *testing.T) {
	table := NewTable(nil)
	wait := table.Register("ex-1", time.Minute, func(id string) {})
	assert.Equal(t, 1, table.Len())

	ok := table.Complete("ex-1", Ok(TextEntity("done")))
	require.True(t, ok)
	assert.Equal(t, 0, table.Len())

	select {
	case resp := <-wait:
		assert.Equal(t, Ok(TextEntity("done")), resp)
	default:
		t.Fatal("expected a buffered response")
	}
}

func TestTableCompleteUnknownID(t *testing.T) {
	table := NewTable(nil)
	assert.False(t, table.Complete("missing", Ok(EmptyEntity)))
}

func TestTableExpire(t *testing.T) {
	table := NewTable(nil)
	expired := make(chan string, 1)
	wait := table.Register("ex-2", time.Millisecond, func(id string) { expired <- id })

	select {
	case id := <-expired:
		assert.Equal(t, "ex-2", id)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.True(t, table.Expire("ex-2"))

	select {
	case resp := <-wait:
		assert.True(t, resp.IsError())
	default:
		t.Fatal("expected timeout response")
	}
}

func TestTableExpireAfterComplete(t *testing.T) {
	table := NewTable(nil)
	table.Register("ex-3", time.Hour, func(id string) {})
	require.True(t, table.Complete("ex-3", Ok(EmptyEntity)))
	assert.False(t, table.Expire("ex-3"))
}

func TestTableDrain(t *testing.T) {
	table := NewTable(nil)
	w1 := table.Register("ex-4", time.Hour, func(id string) {})
	w2 := table.Register("ex-5", time.Hour, func(id string) {})

	table.Drain("shutting down")
	assert.Equal(t, 0, table.Len())

	for _, w := range []<-chan ResponseEntity{w1, w2} {
		select {
		case resp := <-w:
			assert.True(t, resp.IsError())
		default:
			t.Fatal("expected drained response")
		}
	}
}

func TestNewExchangeIDUnique(t *testing.T) {
	assert.NotEqual(t, NewExchangeID(), NewExchangeID())
}
