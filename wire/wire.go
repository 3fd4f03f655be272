// Package wire defines the JSON payloads exchanged as direct-message (DM)
// bodies between a relay identity and its remote callers, and the
// line-delimited JSON protocol spoken between the relay and its overlay
// sidecar subprocess.
//
// Inbound DM payloads are decoded from a generic "event"-discriminated
// envelope into one of the typed structs below via Decode, replacing a
// dynamic-language dict dispatch with a Go type switch (see DESIGN.md's
// "tagged variants for DMs" note).
package wire

import (
	"encoding/json"
	"fmt"
)

// Inbound DM event names.
const (
	EventRelayPing    = "relay.ping"
	EventPing         = "ping"
	EventRelayInfo    = "relay.info"
	EventInfo         = "info"
	EventRelayHTTP    = "relay.http"
	EventHTTPRequest  = "http.request"
	EventRelayFetch   = "relay.fetch"
	EventAsrStart     = "asr.start"
	EventAsrAudio     = "asr.audio"
	EventAsrEnd       = "asr.end"
	EventAsrEvents    = "asr.events"
	EventSelfProbe    = "relay.selfprobe"
)

// Outbound DM event names.
const (
	EventRelayPong            = "relay.pong"
	EventRelayResponse        = "relay.response"
	EventRelayResponseBegin   = "relay.response.begin"
	EventRelayResponseLines   = "relay.response.lines"
	EventRelayResponseChunk   = "relay.response.chunk"
	EventRelayResponseKeepalive = "relay.response.keepalive"
	EventRelayResponseEnd     = "relay.response.end"
	EventRelayRedirect        = "relay.redirect"
)

// RequestDescriptor is the inner request carried by relay.http / http.request
// / relay.fetch, and the shape synthesized internally for ASR convenience
// events. Invariant: at most one of JSON, BodyB64, Data is set; precedence on
// read is JSON > BodyB64 > Data.
type RequestDescriptor struct {
	Service     string            `json:"service,omitempty"`
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	JSON        json.RawMessage   `json:"json,omitempty"`
	BodyB64     string            `json:"body_b64,omitempty"`
	Data        string            `json:"data,omitempty"`
	TimeoutMs   int               `json:"timeout_ms,omitempty"`
	Verify      *bool             `json:"verify,omitempty"`
	InsecureTLS bool              `json:"insecure_tls,omitempty"`
	Stream      string            `json:"stream,omitempty"`
}

// Envelope is the generic shape every inbound DM payload shares: an "event"
// discriminant plus whatever fields that event defines. Decode re-parses the
// raw bytes into the typed struct that matches Event.
type Envelope struct {
	Event string          `json:"event"`
	Raw   json.RawMessage `json:"-"`
}

// Inbound is implemented by every decoded inbound DM payload type.
type Inbound interface {
	inbound()
}

// Ping is relay.ping / ping: request for an immediate relay.pong.
type Ping struct{}

func (Ping) inbound() {}

// Info is relay.info / info: request for the identity's advertised state.
type Info struct{}

func (Info) inbound() {}

// HTTPRequest is relay.http / http.request / relay.fetch: an explicit
// request descriptor to execute against a backend service.
type HTTPRequest struct {
	RequestID string
	Req       RequestDescriptor
}

func (HTTPRequest) inbound() {}

// AsrStart is asr.start: begin a streaming ASR session.
type AsrStart struct {
	RequestID string
	SID       string          `json:"sid"`
	Opts      json.RawMessage `json:"opts,omitempty"`
}

func (AsrStart) inbound() {}

// AsrAudio is asr.audio: a chunk of raw audio for an in-progress session.
type AsrAudio struct {
	RequestID string
	SID       string `json:"sid"`
	Format    string `json:"format"`
	SR        int    `json:"sr"`
	BodyB64   string `json:"body_b64"`
}

func (AsrAudio) inbound() {}

// AsrEnd is asr.end: terminate a streaming ASR session.
type AsrEnd struct {
	RequestID string
	SID       string `json:"sid"`
}

func (AsrEnd) inbound() {}

// AsrEvents is asr.events: subscribe to the session's event stream.
type AsrEvents struct {
	RequestID string
	SID       string `json:"sid"`
}

func (AsrEvents) inbound() {}

// Unknown wraps any DM event this relay does not recognize; the dispatcher
// drops it silently.
type Unknown struct {
	Event string
}

func (Unknown) inbound() {}

// Decode parses a raw DM payload into one of the typed Inbound variants.
// requestID is supplied by the caller (the DM transport layer) since the
// overlay envelope, not the payload itself, carries the correlation id.
func Decode(raw json.RawMessage, requestID string) (Inbound, error) {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}

	switch env.Event {
	case EventRelayPing, EventPing:
		return Ping{}, nil
	case EventRelayInfo, EventInfo:
		return Info{}, nil
	case EventRelayHTTP, EventHTTPRequest, EventRelayFetch:
		var body struct {
			Req RequestDescriptor `json:"req"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Event, err)
		}
		return HTTPRequest{RequestID: requestID, Req: body.Req}, nil
	case EventAsrStart:
		var body AsrStart
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Event, err)
		}
		body.RequestID = requestID
		return body, nil
	case EventAsrAudio:
		var body AsrAudio
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Event, err)
		}
		body.RequestID = requestID
		return body, nil
	case EventAsrEnd:
		var body AsrEnd
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Event, err)
		}
		body.RequestID = requestID
		return body, nil
	case EventAsrEvents:
		var body AsrEvents
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", env.Event, err)
		}
		body.RequestID = requestID
		return body, nil
	default:
		return Unknown{Event: env.Event}, nil
	}
}

// Pong replies to Ping.
type Pong struct {
	Event string `json:"event"`
	Addr  string `json:"addr"`
	Ts    int64  `json:"ts"`
}

// AssignmentEntry describes one service's current owner in an InfoReply.
type AssignmentEntry struct {
	Node string `json:"node"`
	Addr string `json:"addr,omitempty"`
}

// InfoReply replies to Info.
type InfoReply struct {
	Event         string                      `json:"event"`
	Addr          string                      `json:"addr"`
	Services      []string                    `json:"services"`
	Workers       int                         `json:"workers"`
	MaxBodyB      int                         `json:"max_body_b"`
	VerifyDefault bool                        `json:"verify_default"`
	Assignments   map[string]AssignmentEntry `json:"assignments"`
}

// Response is the single-shot terminal reply for non-streaming requests, and
// the error-terminal reply for requests that fail validation before
// enqueueing.
type Response struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	Ok        bool            `json:"ok"`
	Status    int             `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	JSON      json.RawMessage `json:"json,omitempty"`
	BodyB64   string          `json:"body_b64,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ResponseBegin opens a streaming response.
type ResponseBegin struct {
	Event         string            `json:"event"`
	RequestID     string            `json:"request_id,omitempty"`
	Ok            bool              `json:"ok"`
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentLength *int64            `json:"content_length"`
	Filename      string            `json:"filename,omitempty"`
	Ts            int64             `json:"ts"`
}

// LineEntry is one non-blank decoded line in line mode.
type LineEntry struct {
	Seq  int    `json:"seq"`
	Ts   int64  `json:"ts"`
	Line string `json:"line"`
}

// ResponseLines carries a batch of LineEntry values.
type ResponseLines struct {
	Event     string      `json:"event"`
	RequestID string      `json:"request_id,omitempty"`
	Lines     []LineEntry `json:"lines"`
}

// ResponseChunk carries one base64-encoded raw chunk in chunk mode.
type ResponseChunk struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Seq       int    `json:"seq"`
	B64       string `json:"b64"`
}

// ResponseKeepalive is emitted when no frame has been produced for
// heartbeat_s seconds.
type ResponseKeepalive struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Ts        int64  `json:"ts"`
}

// ResponseEnd closes a streaming response. Exactly one is sent per request.
type ResponseEnd struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Ok        bool   `json:"ok"`
	Bytes     int64  `json:"bytes"`
	LastSeq   int    `json:"last_seq"`
	Lines     *int   `json:"lines,omitempty"`
	DoneSeen  *bool  `json:"done_seen,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Redirect tells the caller that another identity owns the requested
// service.
type Redirect struct {
	Event     string  `json:"event"`
	RequestID string  `json:"request_id,omitempty"`
	Service   string  `json:"service"`
	Node      string  `json:"node"`
	Addr      *string `json:"addr"`
	Error     string  `json:"error,omitempty"`
}
