// Package relay binds one identity's sidecar, job queue, and HTTP worker
// pool, and turns inbound DMs into jobs (or immediate replies).
package relay

import (
	"encoding/json"
	"time"

	"github.com/overlaymesh/relay/httpworker"
	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/wire"
)

// Lookup resolves a service name to its assigned identity and that
// identity's current overlay address (empty if unknown).
type Lookup func(service string) (node, addr string)

// Assignments returns the full service→identity map with addresses, for
// relay.info replies.
type Assignments func() map[string]wire.AssignmentEntry

// aliasTable canonicalizes convenience service hints (as seen in casual
// client requests) to the canonical backend service name.
var aliasTable = map[string]string{
	"asr":     "whisper_asr",
	"whisper": "whisper_asr",
	"tts":     "piper_tts",
	"piper":   "piper_tts",
	"ollama":  "ollama_farm",
	"llm":     "ollama_farm",
}

// canonicalService resolves a raw service hint through the alias table,
// leaving already-canonical or unknown names untouched.
func canonicalService(name string) string {
	if canon, ok := aliasTable[name]; ok {
		return canon
	}
	return name
}

const canonicalASR = "whisper_asr"

// Node is one identity's DM-to-job translator.
type Node struct {
	name    string
	pool    *httpworker.Pool
	send    httpworker.Sender
	lookup  Lookup
	assigns Assignments
	cfg     Config
	log     *logger.Logger

	address func() string
}

// Config carries the identity-advertised fields relay.info replies with.
type Config struct {
	Workers       int
	MaxBodyB      int
	VerifyDefault bool
}

// New creates a Node for one identity.
func New(name string, pool *httpworker.Pool, send httpworker.Sender, lookup Lookup, assigns Assignments, cfg Config, address func() string, log *logger.Logger) *Node {
	return &Node{name: name, pool: pool, send: send, lookup: lookup, assigns: assigns, cfg: cfg, address: address, log: log}
}

// HandleDM decodes one inbound DM payload and dispatches it: immediate reply,
// enqueue, redirect, or silent drop.
func (n *Node) HandleDM(src string, requestID string, raw json.RawMessage) {
	msg, err := wire.Decode(raw, requestID)
	if err != nil {
		n.log.Warnf("relay[%s]: malformed DM from %s: %v", n.name, src, err)
		return
	}

	switch m := msg.(type) {
	case wire.Ping:
		n.replyPong(src)
	case wire.Info:
		n.replyInfo(src)
	case wire.HTTPRequest:
		n.handleHTTPRequest(src, m)
	case wire.AsrStart:
		n.handleAsrStart(src, m)
	case wire.AsrAudio:
		n.handleAsrAudio(src, m)
	case wire.AsrEnd:
		n.handleAsrEnd(src, m)
	case wire.AsrEvents:
		n.handleAsrEvents(src, m)
	case wire.Unknown:
		// Unrecognized event name; nothing to do with it.
	}
}

func (n *Node) replyPong(src string) {
	n.sendJSON(src, wire.Pong{
		Event: wire.EventRelayPong,
		Addr:  n.address(),
		Ts:    time.Now().UnixMilli(),
	})
}

func (n *Node) replyInfo(src string) {
	n.sendJSON(src, wire.InfoReply{
		Event:         wire.EventRelayInfo,
		Addr:          n.address(),
		Services:      n.advertisedServices(),
		Workers:       n.cfg.Workers,
		MaxBodyB:      n.cfg.MaxBodyB,
		VerifyDefault: n.cfg.VerifyDefault,
		Assignments:   n.assigns(),
	})
}

func (n *Node) advertisedServices() []string {
	assignments := n.assigns()
	out := make([]string, 0, len(assignments))
	for svc, entry := range assignments {
		if entry.Node == n.name {
			out = append(out, svc)
		}
	}
	return out
}

func (n *Node) sendJSON(to string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		n.log.Errorf("relay[%s]: marshal outbound DM: %v", n.name, err)
		return
	}
	n.send.Send(to, raw, nil)
}

func (n *Node) sendTerminalError(src, requestID, msg string) {
	n.sendJSON(src, wire.Response{
		Event:     wire.EventRelayResponse,
		RequestID: requestID,
		Ok:        false,
		Status:    0,
		Error:     msg,
	})
}

// admit applies the assignment gate: a known service owned by a different
// identity is redirected rather than enqueued.
func (n *Node) admit(src, requestID, service string) bool {
	if service == "" {
		return true
	}
	node, addr := n.lookup(service)
	if node == "" || node == n.name {
		return true
	}
	redirect := wire.Redirect{
		Event:     wire.EventRelayRedirect,
		RequestID: requestID,
		Service:   service,
		Node:      node,
	}
	if addr == "" {
		redirect.Error = "service currently offline"
	} else {
		redirect.Addr = &addr
	}
	n.sendJSON(src, redirect)
	return false
}

func (n *Node) handleHTTPRequest(src string, m wire.HTTPRequest) {
	d := m.Req
	d.Service = canonicalService(d.Service)
	if !n.admit(src, m.RequestID, d.Service) {
		return
	}
	n.pool.Submit(httpworker.Job{SourceAddr: src, RequestID: m.RequestID, Descriptor: d})
}
