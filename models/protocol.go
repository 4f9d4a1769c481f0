package models

// Client facing websocket protocol. Every control message in either
// direction is a JSON object with an "op" field; data messages (trade ticks
// and depth updates) are forwarded verbatim and carry no "op".

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"

	OpSubscribed   = "subscribed"
	OpUnsubscribed = "unsubscribed"
	OpPong         = "pong"
	OpError        = "error"
)

// Error codes returned in OpError replies. The connection stays open after
// any of these.
const (
	CodeUnsupportedOp  = "UNSUPPORTED_OP"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRateLimited    = "RATE_LIMITED"
)

// ClientRequest is a client → broker control message.
type ClientRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels,omitempty"`
}

// ServerReply is a broker → client control message.
type ServerReply struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels,omitempty"`
	Code     string   `json:"code,omitempty"`
}
