package meshportal

import "errors"

var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrBadFrame is returned by decode on any structural error.
	ErrBadFrame = errors.New("bad frame")
	// ErrFrameTooLarge is returned when a binary payload field exceeds MaxBinSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrExchangeTimeout is the signal delivered to a waiter whose exchange expired.
	ErrExchangeTimeout = errors.New("timeout")
	// ErrPortNotDefined names the unknown-port failure. The guest dispatcher
	// does not return it: it answers a Port request for an unknown name with
	// an Error signal reading "message port '<name>' not defined".
	ErrPortNotDefined = errors.New("message port not defined")
	// ErrSingularRecipient is the protocol error for a RequestResponse with |to| != 1.
	ErrSingularRecipient = errors.New("a RequestResponse message must have one and only one to recipient")
	// ErrAlreadyInitializing is returned by a second call to HostPortal.Init.
	ErrAlreadyInitializing = errors.New("portal has already received the init signal")
	// ErrPortalClosed is returned by operations attempted after a portal shut down.
	ErrPortalClosed = errors.New("portal closed")
	// ErrFlavorMismatch is returned when a client's advertised flavor does not match the server's.
	ErrFlavorMismatch = errors.New("flavor does not match")
	// ErrAuthFailed is returned when the server's auth hook rejects a connection.
	ErrAuthFailed = errors.New("authorization failed")
	// ErrUnknownRecipient is logged (not returned) when MessageOut resolves to no portal.
	ErrUnknownRecipient = errors.New("no portal for recipient")
)
