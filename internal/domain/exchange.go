package domain

import "unicode/utf8"

// ExchangeState is the outcome of one HTTP interaction.
type ExchangeState string

const (
	ExchangeStatePending   ExchangeState = "PENDING"
	ExchangeStateRetrieved ExchangeState = "RETRIEVED"
	ExchangeStateFailed    ExchangeState = "FAILED"
)

// ExchangeDirection tells whether the registry was called or was calling.
type ExchangeDirection string

const (
	ExchangeIncoming ExchangeDirection = "INCOMING"
	ExchangeOutgoing ExchangeDirection = "OUTGOING"
)

// MaxStoredBodyBytes caps request and response bodies kept in the event log.
const MaxStoredBodyBytes = 64 << 10

// ExchangeRequest is the recorded request side.
type ExchangeRequest struct {
	Method     string `json:"method"`
	URL        string `json:"url,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Body       string `json:"body,omitempty"`
}

// ExchangeResponse is the recorded response side.
type ExchangeResponse struct {
	Code        int    `json:"code"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body,omitempty"`
}

// Exchange records one HTTP interaction for audit and state derivation.
type Exchange struct {
	Direction ExchangeDirection `json:"direction"`
	State     ExchangeState     `json:"state"`
	Error     string            `json:"error,omitempty"`
	Request   ExchangeRequest   `json:"request"`
	Response  ExchangeResponse  `json:"response"`
}

// NewIncomingExchange records a request received from remoteAddr.
func NewIncomingExchange(method, remoteAddr string, body []byte) *Exchange {
	return &Exchange{
		Direction: ExchangeIncoming,
		State:     ExchangeStatePending,
		Request: ExchangeRequest{
			Method:     method,
			RemoteAddr: remoteAddr,
			Body:       TruncateBody(body),
		},
	}
}

// NewOutgoingExchange records a request the registry sends to url.
func NewOutgoingExchange(method, url string) *Exchange {
	return &Exchange{
		Direction: ExchangeOutgoing,
		State:     ExchangeStatePending,
		Request:   ExchangeRequest{Method: method, URL: url},
	}
}

// Succeed marks the exchange retrieved with the given response code.
func (x *Exchange) Succeed(code int) {
	x.State = ExchangeStateRetrieved
	x.Response.Code = code
}

// Fail marks the exchange failed. code is 0 when no response was received.
func (x *Exchange) Fail(code int, msg string) {
	x.State = ExchangeStateFailed
	x.Response.Code = code
	x.Error = msg
}

// TruncateBody converts b to a string of at most MaxStoredBodyBytes without
// splitting a UTF-8 sequence.
func TruncateBody(b []byte) string {
	if len(b) <= MaxStoredBodyBytes {
		return string(b)
	}
	cut := MaxStoredBodyBytes
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut])
}
