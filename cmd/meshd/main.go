// Command meshd is a demonstration mesh host: it listens for guest
// connections over the Noise-encrypted tcp transport driver, drives the
// handshake, and fans inbound requests through a small Router that answers
// Resource(Select) itself and forwards anything else to the named
// recipient. Guests reach it with transport.Dial("tcp", ...) followed by
// meshportal.HandshakeClient.Dial.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/driftforge/meshportal"
	"github.com/driftforge/meshportal/transport"
)

var opt struct {
	Listen     string
	Flavor     string
	MetricsBin string
	EnvFile    string
	Help       bool
}

func init() {
	flag.StringVarP(&opt.Listen, "listen", "l", ":7750", "TCP address to listen on")
	flag.StringVarP(&opt.Flavor, "flavor", "f", "meshportal", "flavor string guests must present")
	flag.StringVarP(&opt.MetricsBin, "metrics-addr", "m", ":9750", "address to serve Prometheus /metrics on, empty to disable")
	flag.StringVarP(&opt.EnvFile, "env-file", "e", "", "load Config overrides from a .env file instead of the environment")
	flag.BoolVarP(&opt.Help, "help", "h", false, "show this help text")
}

func main() {
	flag.Parse()
	if opt.Help {
		fmt.Printf("usage: %s [options]\n\noptions:\n%s", os.Args[0], flag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log := meshportal.NewLogger(os.Stderr, "meshd")
	metrics := meshportal.NewPrometheusMetrics(nil, "mesh")

	if opt.MetricsBin != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(opt.MetricsBin, mux); err != nil {
				log.Err(err, "metrics server exited")
			}
		}()
	}

	router := &selectRouter{log: log}
	mux := meshportal.NewMuxer(router, cfg.FrameTimeout, metrics, log.With("component", "muxer"))
	router.mux = mux

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux.Start(ctx)

	server := meshportal.NewHandshakeServer(opt.Flavor, trivialAuth, infoBuilder(cfg), mux, metrics, log.With("component", "handshake"))
	server.MetricsFor = func(portalKey string) meshportal.Metrics {
		return meshportal.NewPrometheusMetrics(nil, portalKey)
	}

	ln, err := transport.Listen("tcp", "tcp://"+opt.Listen, transport.WithContext(ctx))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: listen: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()
	log.Info(fmt.Sprintf("listening on %s (flavor=%s)", opt.Listen, opt.Flavor))

	go acceptLoop(ctx, ln, server, log)

	<-ctx.Done()
	log.Info("shutting down")
	ln.Close()
	<-mux.Done()
}

func acceptLoop(ctx context.Context, ln net.Listener, server *meshportal.HandshakeServer, log meshportal.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Err(err, "accept failed")
				continue
			}
		}
		go func() {
			if _, err := server.Accept(ctx, conn); err != nil {
				log.Err(err, "handshake failed")
			}
		}()
	}
}

// trivialAuth accepts any connection, reading a single opaque credential
// string and echoing acceptance. Real deployments supply their own
// AuthFunc; this one accepts every credential.
func trivialAuth(ctx context.Context, conn net.Conn) (string, error) {
	user, err := meshportal.ReadString(conn)
	if err != nil {
		return "", err
	}
	if user == "" {
		user = "anonymous"
	}
	return user, nil
}

func infoBuilder(cfg meshportal.Config) meshportal.InfoBuilder {
	return func(user string, conn net.Conn) (meshportal.Info, error) {
		return meshportal.Info{
			Key:       fmt.Sprintf("guest-%s-%d", user, time.Now().UnixNano()),
			AddressID: fmt.Sprintf("mesh:guests:%s", user),
			Owner:     user,
			Parent:    meshportal.Address("mesh"),
			Archetype: meshportal.Archetype{Kind: "mechtron"},
			Config:    cfg,
			Kind:      meshportal.PortalKindGuest,
		}, nil
	}
}

// selectRouter answers Resource(Select) against the muxer's attached
// portals directly and forwards every other operation to its addressed
// recipient.
type selectRouter struct {
	mux *meshportal.Muxer
	log meshportal.Logger
}

func (r *selectRouter) Route(msg meshportal.Message) {
	if msg.Type != meshportal.MessageRequest {
		return
	}
	if msg.Op.Kind == meshportal.OpResource && msg.Op.Resource.Kind == meshportal.ResourceSelect {
		r.handleSelect(msg)
		return
	}
	r.mux.MessageOut(msg)
}

func (r *selectRouter) handleSelect(msg meshportal.Message) {
	if !msg.Kind.IsRequestResponse {
		return
	}
	// Route runs on the muxer's event loop; Select waits on a reply that
	// loop must produce, so the enumeration has to be spawned.
	go func() {
		infos := r.mux.Select(func(info meshportal.Info) bool {
			return info.Kind == meshportal.PortalKindGuest
		})
		stubs := make([]meshportal.ResourceStub, 0, len(infos))
		for _, info := range infos {
			stubs = append(stubs, meshportal.ResourceStub{Key: info.Key, Address: info.AddressID})
		}
		r.mux.MessageOut(meshportal.Message{
			Type:       meshportal.MessageResponse,
			From:       meshportal.Key("mesh"),
			To:         msg.From,
			ExchangeID: msg.Kind.ExchangeID,
			Signal:     meshportal.Ok(meshportal.StubsEntity(stubs)),
		})
	}()
}

func loadConfig() (meshportal.Config, error) {
	env := os.Environ()
	if opt.EnvFile != "" {
		f, err := os.Open(opt.EnvFile)
		if err != nil {
			return meshportal.Config{}, fmt.Errorf("open env file: %w", err)
		}
		defer f.Close()
		m, err := envparse.Parse(f)
		if err != nil {
			return meshportal.Config{}, fmt.Errorf("parse env file: %w", err)
		}
		env = nil
		for k, v := range m {
			env = append(env, k+"="+v)
		}
	}

	opts := []meshportal.Option{}
	if v, ok := lookup(env, "MESH_INIT_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, meshportal.WithInitTimeout(d))
		}
	}
	if v, ok := lookup(env, "MESH_FRAME_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, meshportal.WithFrameTimeout(d))
		}
	}
	if v, ok := lookup(env, "MESH_RESPONSE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, meshportal.WithResponseTimeout(d))
		}
	}
	opts = append(opts, meshportal.WithPort("echo"))
	return meshportal.NewConfig(opts...)
}

func lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return kv[len(prefix):], true
		}
	}
	return "", false
}
