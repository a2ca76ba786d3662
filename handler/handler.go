// Package handler defines the handler surface invoked by worker processes
// and the registry that resolves (module, function) name pairs to callable
// code.
//
// The registry is the static-registration rendition of a dynamic import
// system: worker binaries register their modules at startup, and resolution
// walks dotted attribute paths (Service.Method) with reflection. Resolved
// pairs are cached for the life of the process; a worker restart is the only
// invalidation.
package handler

import "context"

// Kwargs is the decoded keyword-argument map passed to handlers. Values are
// the scalar set produced by the kwargs codecs: nil, bool, int64 (uint64
// above MaxInt64), float64, string — plus nested containers when the JSON
// path carried them.
type Kwargs map[string]any

// String returns the named kwarg as a string.
func (k Kwargs) String(name string) (string, bool) {
	v, ok := k[name].(string)
	return v, ok
}

// Int returns the named kwarg as an int64.
func (k Kwargs) Int(name string) (int64, bool) {
	switch v := k[name].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Float returns the named kwarg as a float64. Integer kwargs widen.
func (k Kwargs) Float(name string) (float64, bool) {
	switch v := k[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Bool returns the named kwarg as a bool.
func (k Kwargs) Bool(name string) (bool, bool) {
	v, ok := k[name].(bool)
	return v, ok
}

// Func is the canonical request handler signature. The returned value is
// serialized to JSON as the response body; an error produces a 500-style
// response. A result implementing future.Awaitable is awaited by the worker
// before serialization.
type Func func(ctx context.Context, kw Kwargs) (any, error)

// Stream is the connection surface handed to WebSocket handlers. It is
// implemented by ws.Conn; handlers depend only on this interface.
type Stream interface {
	// Receive blocks until the next inbound frame or disconnection.
	// Returns ErrConnectionClosed (ws package) after the peer disconnects.
	Receive(ctx context.Context) (payload []byte, isBinary bool, err error)

	// Send transmits an outbound frame. Fire-and-forget: no peer
	// acknowledgment is awaited.
	Send(ctx context.Context, payload []byte, isBinary bool) error

	// Close sends a close frame with the given code and marks the
	// connection closed. Send and Receive fail afterwards.
	Close(ctx context.Context, code uint16) error

	// Path returns the request path the connection was opened on.
	Path() string
}

// StreamFunc is the long-lived WebSocket handler signature. It runs as its
// own goroutine for the life of one connection; returning (or erroring)
// triggers the connection's close path.
type StreamFunc func(ctx context.Context, s Stream) error
