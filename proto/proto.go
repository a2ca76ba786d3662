// Package proto implements the binary message protocol spoken between the
// pool side and worker processes.
//
// Every message starts with a 1-byte type tag followed by fixed-width
// little-endian header fields and length-prefixed variable sections. Strings
// are UTF-8, length-prefixed by byte count, never NUL-terminated. The codec
// is transport-independent: the same byte layouts travel over shared memory
// slots and ZeroMQ messages.
package proto

// MessageType is the 1-byte discriminant leading every encoded message.
type MessageType byte

const (
	// TypeRequest is an HTTP request dispatched to a worker.
	TypeRequest MessageType = 0x01
	// TypeResponse is a worker's reply to a Request.
	TypeResponse MessageType = 0x02
	// TypeWorkerReport is a control message carrying a worker's final stats
	// snapshot (msgpack payload), sent once during worker shutdown.
	TypeWorkerReport MessageType = 0x0E
	// TypeShutdown is the 1-byte sentinel that terminates a worker's main loop.
	TypeShutdown MessageType = 0x0F
	// TypeWsConnect announces a new WebSocket connection to a worker.
	TypeWsConnect MessageType = 0x10
	// TypeWsMessage carries an inbound WebSocket frame to a worker.
	TypeWsMessage MessageType = 0x11
	// TypeWsDisconnect announces a client disconnect to a worker.
	TypeWsDisconnect MessageType = 0x12
	// TypeWsSend carries an outbound WebSocket frame from a worker.
	TypeWsSend MessageType = 0x13
	// TypeWsClose requests closing a WebSocket connection from a worker.
	TypeWsClose MessageType = 0x14
)

// String returns the lowercase message type name used in logs and journals.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeWorkerReport:
		return "worker_report"
	case TypeShutdown:
		return "shutdown"
	case TypeWsConnect:
		return "ws_connect"
	case TypeWsMessage:
		return "ws_message"
	case TypeWsDisconnect:
		return "ws_disconnect"
	case TypeWsSend:
		return "ws_send"
	case TypeWsClose:
		return "ws_close"
	default:
		return "unknown"
	}
}

// KwargsFormat identifies the encoding of a Request's kwargs section.
type KwargsFormat byte

const (
	// KwargsJSON marks a JSON-encoded kwargs section.
	KwargsJSON KwargsFormat = 0
	// KwargsTLV marks a binary TLV-encoded kwargs section (tlv package).
	KwargsTLV KwargsFormat = 1
)

// Request asks a worker to invoke the handler registered under
// (Module, Function) with the encoded Kwargs.
type Request struct {
	RequestID uint32
	Module    string
	Function  string
	Format    KwargsFormat
	Kwargs    []byte
}

// Response is a worker's reply to a Request, correlated by RequestID.
// Body is always JSON regardless of the request kwargs format.
type Response struct {
	RequestID    uint32
	Status       uint16
	Success      bool
	Body         []byte
	ErrorMessage string
}

// WsEvent is an inbound WebSocket event (connect, message, or disconnect)
// keyed by connection ID. For TypeWsConnect the payload carries the
// metadata JSON; for TypeWsMessage it carries the frame payload.
type WsEvent struct {
	Type         MessageType
	ConnectionID uint64
	Path         string
	Payload      []byte
	IsBinary     bool
}

// WsResponse is an outbound WebSocket action (send or close) from a worker.
type WsResponse struct {
	Type         MessageType
	ConnectionID uint64
	Payload      []byte
	IsBinary     bool
	CloseCode    uint16
}

// WorkerReport is a control message carrying a worker's stats snapshot.
// The payload is msgpack-encoded (worker.StatsSnapshot).
type WorkerReport struct {
	WorkerID uint32
	Payload  []byte
}

// ConnectMetadata is the JSON document carried in a WsConnect payload.
// Module and Function name the stream handler bound to the connection;
// both empty means the connection has no worker-side handler.
type ConnectMetadata struct {
	Module   string `json:"module,omitempty"`
	Function string `json:"function,omitempty"`
}
