package relay

import (
	"fmt"
	"net/url"

	"github.com/overlaymesh/relay/httpworker"
	"github.com/overlaymesh/relay/wire"
)

const asrEventsTimeoutMs = 300_000

// handleAsrStart translates asr.start into a POST against the canonical ASR
// service's stream-start endpoint, body taken verbatim from opts.
func (n *Node) handleAsrStart(src string, m wire.AsrStart) {
	if !n.admit(src, m.RequestID, canonicalASR) {
		return
	}
	d := wire.RequestDescriptor{
		Service: canonicalASR,
		Method:  "POST",
		Path:    "/recognize/stream/start",
		JSON:    m.Opts,
	}
	n.pool.Submit(httpworker.Job{SourceAddr: src, RequestID: m.RequestID, Descriptor: d})
}

// handleAsrAudio translates asr.audio into a raw-body POST carrying one
// chunk of audio for an in-progress session.
func (n *Node) handleAsrAudio(src string, m wire.AsrAudio) {
	if m.SID == "" {
		n.sendTerminalError(src, m.RequestID, "missing session id")
		return
	}
	if m.BodyB64 == "" {
		n.sendTerminalError(src, m.RequestID, "missing body")
		return
	}
	if !n.admit(src, m.RequestID, canonicalASR) {
		return
	}
	q := url.Values{}
	q.Set("format", m.Format)
	q.Set("sr", fmt.Sprintf("%d", m.SR))
	d := wire.RequestDescriptor{
		Service: canonicalASR,
		Method:  "POST",
		Path:    fmt.Sprintf("/recognize/stream/%s/audio?%s", url.PathEscape(m.SID), q.Encode()),
		BodyB64: m.BodyB64,
		Headers: map[string]string{"Content-Type": "application/octet-stream"},
	}
	n.pool.Submit(httpworker.Job{SourceAddr: src, RequestID: m.RequestID, Descriptor: d})
}

// handleAsrEnd translates asr.end into a POST that closes a streaming
// session.
func (n *Node) handleAsrEnd(src string, m wire.AsrEnd) {
	if m.SID == "" {
		n.sendTerminalError(src, m.RequestID, "missing session id")
		return
	}
	if !n.admit(src, m.RequestID, canonicalASR) {
		return
	}
	d := wire.RequestDescriptor{
		Service: canonicalASR,
		Method:  "POST",
		Path:    fmt.Sprintf("/recognize/stream/%s/end", url.PathEscape(m.SID)),
	}
	n.pool.Submit(httpworker.Job{SourceAddr: src, RequestID: m.RequestID, Descriptor: d})
}

// handleAsrEvents translates asr.events into a long-poll GET against the
// session's event stream, forcing chunk-mode streaming (httpworker
// auto-upgrades to line mode once it sees an event-stream/ndjson
// Content-Type in the response).
func (n *Node) handleAsrEvents(src string, m wire.AsrEvents) {
	if m.SID == "" {
		n.sendTerminalError(src, m.RequestID, "missing session id")
		return
	}
	if !n.admit(src, m.RequestID, canonicalASR) {
		return
	}
	d := wire.RequestDescriptor{
		Service: canonicalASR,
		Method:  "GET",
		Path:    fmt.Sprintf("/recognize/stream/%s/events", url.PathEscape(m.SID)),
		Headers: map[string]string{
			"Accept":         "text/event-stream",
			"X-Relay-Stream": "chunks",
		},
		TimeoutMs: asrEventsTimeoutMs,
		Stream:    "chunks",
	}
	n.pool.Submit(httpworker.Job{SourceAddr: src, RequestID: m.RequestID, Descriptor: d})
}
