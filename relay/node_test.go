package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/overlaymesh/relay/httpworker"
	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/metrics"
	"github.com/overlaymesh/relay/payload"
	"github.com/overlaymesh/relay/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentDM
}

type sentDM struct {
	To      string
	Payload json.RawMessage
}

func (f *fakeSender) Send(to string, payload, opts json.RawMessage) {
	f.mu.Lock()
	f.sent = append(f.sent, sentDM{To: to, Payload: payload})
	f.mu.Unlock()
}

func (f *fakeSender) last() sentDM {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestNode(t *testing.T, lookup Lookup) (*Node, *fakeSender, *httpworker.Pool) {
	t.Helper()
	sender := &fakeSender{}
	log := logger.New(logger.LevelError)
	pool := httpworker.New("relay-1", httpworker.Config{Workers: 1}, func() map[string]string {
		return map[string]string{"whisper_asr": "http://127.0.0.1:1"}
	}, sender, metrics.NewMetrics(), payload.NewRegistry(), log)

	if lookup == nil {
		lookup = func(service string) (string, string) { return "relay-1", "addr-1" }
	}
	assigns := func() map[string]wire.AssignmentEntry {
		return map[string]wire.AssignmentEntry{"whisper_asr": {Node: "relay-1", Addr: "addr-1"}}
	}
	node := New("relay-1", pool, sender, lookup, assigns, Config{Workers: 1, MaxBodyB: 2048, VerifyDefault: true}, func() string { return "addr-1" }, log)
	return node, sender, pool
}

func TestPingRepliesPong(t *testing.T) {
	node, sender, _ := newTestNode(t, nil)
	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"ping"}`))

	var pong wire.Pong
	if err := json.Unmarshal(sender.last().Payload, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Event != wire.EventRelayPong || pong.Addr != "addr-1" {
		t.Errorf("unexpected pong: %+v", pong)
	}
}

func TestInfoRepliesAdvertisedServices(t *testing.T) {
	node, sender, _ := newTestNode(t, nil)
	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"info"}`))

	var info wire.InfoReply
	if err := json.Unmarshal(sender.last().Payload, &info); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if len(info.Services) != 1 || info.Services[0] != "whisper_asr" {
		t.Errorf("unexpected services: %+v", info.Services)
	}
}

func TestHTTPRequestRedirectsWhenNotOwner(t *testing.T) {
	lookup := func(service string) (string, string) { return "relay-2", "addr-2" }
	node, sender, _ := newTestNode(t, lookup)

	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"relay.http","req":{"service":"whisper_asr","path":"/x"}}`))

	var redirect wire.Redirect
	if err := json.Unmarshal(sender.last().Payload, &redirect); err != nil {
		t.Fatalf("unmarshal redirect: %v", err)
	}
	if redirect.Event != wire.EventRelayRedirect || redirect.Node != "relay-2" || redirect.Addr == nil || *redirect.Addr != "addr-2" {
		t.Errorf("unexpected redirect: %+v", redirect)
	}
	if redirect.Error != "" {
		t.Errorf("expected no error for a known address, got %q", redirect.Error)
	}
}

func TestHTTPRequestRedirectIncludesOfflineWhenAddrMissing(t *testing.T) {
	lookup := func(service string) (string, string) { return "relay-2", "" }
	node, sender, _ := newTestNode(t, lookup)

	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"relay.http","req":{"service":"whisper_asr","path":"/x"}}`))

	var redirect wire.Redirect
	if err := json.Unmarshal(sender.last().Payload, &redirect); err != nil {
		t.Fatalf("unmarshal redirect: %v", err)
	}
	if redirect.Addr != nil {
		t.Errorf("expected nil addr for offline target, got %q", *redirect.Addr)
	}
	if redirect.Error != "service currently offline" {
		t.Errorf("expected offline error string, got %q", redirect.Error)
	}
}

func TestAliasCanonicalizesServiceHint(t *testing.T) {
	node, _, pool := newTestNode(t, nil)
	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"relay.http","req":{"service":"asr","path":"/x"}}`))

	if got := pool.Depth(); got != 1 {
		t.Errorf("expected job enqueued for canonicalized service, queue depth = %d", got)
	}
}

func TestAsrAudioMissingSidIsTerminalError(t *testing.T) {
	node, sender, _ := newTestNode(t, nil)
	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"asr.audio","body_b64":"YWJj"}`))

	var resp wire.Response
	if err := json.Unmarshal(sender.last().Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Ok || resp.Status != 0 || resp.Error != "missing session id" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAsrAudioMissingBodyIsTerminalError(t *testing.T) {
	node, sender, _ := newTestNode(t, nil)
	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"asr.audio","sid":"s1"}`))

	var resp wire.Response
	if err := json.Unmarshal(sender.last().Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Ok || resp.Error != "missing body" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestUnknownEventIsSilentlyIgnored(t *testing.T) {
	node, sender, _ := newTestNode(t, nil)
	node.HandleDM("caller", "req-1", json.RawMessage(`{"event":"totally.unrecognized"}`))

	sender.mu.Lock()
	n := len(sender.sent)
	sender.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no reply for unknown event, got %d", n)
	}
}
