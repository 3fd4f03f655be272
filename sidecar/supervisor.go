// Package sidecar supervises one overlay-protocol subprocess: spawning it,
// restarting it with backoff on exit, and exposing a send API that survives
// restarts by owning its outbound queue independently of any one child
// process.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/overlaymesh/relay/logger"
)

const (
	restartBackoffFloor = 500 * time.Millisecond
	restartBackoffCap   = 30 * time.Second
	sendQueueCapacity   = 2000
	writerPollInterval  = 200 * time.Millisecond
	writerRetryInterval = 100 * time.Millisecond
)

// Options configures one Supervisor instance.
type Options struct {
	Name           string
	SeedHex        string
	NumSubclients  int
	SeedWS         []string
	SelfProbeMS    int
	SelfProbeFails int

	// Runtime is the interpreter used to run Script (default "node").
	Runtime string
	// Script is the path to the sidecar's entry point.
	Script string
}

// OnReady is invoked every time the sidecar reports a fresh address, on
// every reconnection as well as the first connection, and with an empty
// address each time a child is spawned, before it has reported one.
type OnReady func(address string)

// OnDM is invoked for every inbound nkn-dm event whose payload is not the
// self-probe sentinel.
type OnDM func(src string, payload json.RawMessage)

// OnStatus is invoked for every status event; degraded is true for the
// probe_fail, probe_exit, error and close states and for the supervisor's
// own restart_scheduled notice, and false for every other state.
type OnStatus func(state string, degraded bool)

// sendEntry is one queued outbound command.
type sendEntry struct {
	To      string
	Payload json.RawMessage
	Opts    json.RawMessage
}

// Supervisor owns the lifetime of one sidecar subprocess.
type Supervisor struct {
	opts Options
	log  *logger.Logger

	onReady  OnReady
	onDM     OnDM
	onStatus OnStatus

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	addr    string
	backoff time.Duration

	senderStarted bool // senderLoop is launched once and serves every child

	sendCh chan sendEntry
	stopCh chan struct{}
	closed bool
}

// New creates a Supervisor. Start must be called to spawn the child.
func New(opts Options, log *logger.Logger, onReady OnReady, onDM OnDM, onStatus OnStatus) *Supervisor {
	if opts.Runtime == "" {
		opts.Runtime = "node"
	}
	return &Supervisor{
		opts:     opts,
		log:      log,
		onReady:  onReady,
		onDM:     onDM,
		onStatus: onStatus,
		backoff:  restartBackoffFloor,
		sendCh:   make(chan sendEntry, sendQueueCapacity),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the sidecar and launches its reader goroutines; the single
// writer goroutine is launched on the first successful spawn and reused for
// every later child. It may be called again internally by the
// restart-on-exit path.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	if s.onReady != nil {
		s.onReady("")
	}
	if s.onStatus != nil {
		s.onStatus("spawning", false)
	}

	cmd := exec.Command(s.opts.Runtime, s.opts.Script) // #nosec G204 -- runtime/script are operator config, not user input
	cmd.Env = append(os.Environ(), s.childEnv()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.log.Errorf("sidecar[%s]: stdout pipe: %v", s.opts.Name, err)
		s.restartLater()
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.log.Errorf("sidecar[%s]: stderr pipe: %v", s.opts.Name, err)
		s.restartLater()
		return
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.log.Errorf("sidecar[%s]: stdin pipe: %v", s.opts.Name, err)
		s.restartLater()
		return
	}

	if err := cmd.Start(); err != nil {
		s.log.Errorf("sidecar[%s]: spawn failed: %v", s.opts.Name, err)
		// Spawn failure: no restart is scheduled for this attempt; the caller
		// must trigger the next Start.
		return
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	startSender := !s.senderStarted
	s.senderStarted = true
	s.mu.Unlock()

	go s.stdoutPump(stdout)
	go s.stderrPump(stderr)
	if startSender {
		go s.senderLoop()
	}
}

func (s *Supervisor) childEnv() []string {
	env := []string{
		"RELAY_SEED_HEX=" + s.opts.SeedHex,
		"RELAY_IDENTITY=" + s.opts.Name,
		"RELAY_NUM_SUBCLIENTS=" + strconv.Itoa(s.opts.NumSubclients),
		"RELAY_SELF_PROBE_MS=" + strconv.Itoa(s.opts.SelfProbeMS),
		"RELAY_SELF_PROBE_FAILS=" + strconv.Itoa(s.opts.SelfProbeFails),
	}
	if len(s.opts.SeedWS) > 0 {
		b, _ := json.Marshal(s.opts.SeedWS)
		env = append(env, "RELAY_SEED_WS="+string(b))
	}
	return env
}

// stdoutPump parses the sidecar's stdout line by line as newline-delimited
// JSON events.
func (s *Supervisor) stdoutPump(r io.ReadCloser) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleEvent(line)
	}
	// Reader loop ended: EOF or process exit. Schedule a restart.
	s.restartLater()
}

func (s *Supervisor) stderrPump(r io.ReadCloser) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Warnf("sidecar[%s] stderr: %s", s.opts.Name, scanner.Text())
	}
}

var degradedStates = map[string]bool{
	"probe_fail": true,
	"probe_exit": true,
	"error":      true,
	"close":      true,
}

func (s *Supervisor) handleEvent(line []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		// Malformed JSON from the child: dropped silently.
		return
	}

	switch env.Type {
	case "ready":
		var ev struct {
			Address string `json:"address"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		s.mu.Lock()
		s.addr = ev.Address
		s.backoff = restartBackoffFloor
		s.mu.Unlock()
		if s.onReady != nil {
			s.onReady(ev.Address)
		}

	case "status":
		var ev struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		if s.onStatus != nil {
			s.onStatus(ev.State, degradedStates[ev.State])
		}

	case "nkn-dm":
		var ev struct {
			Src string          `json:"src"`
			Msg json.RawMessage `json:"msg"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		if isSelfProbe(ev.Msg) {
			return
		}
		if s.onDM != nil {
			s.onDM(ev.Src, ev.Msg)
		}

	case "err":
		var ev struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			return
		}
		s.log.Errorf("sidecar[%s]: %s", s.opts.Name, ev.Msg)
	}
}

func isSelfProbe(msg json.RawMessage) bool {
	var ev struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return false
	}
	return ev.Event == "relay.selfprobe"
}

// Send enqueues a DM send command. If the send FIFO is full, the oldest
// entry is discarded to admit the newest one, favoring streaming liveness
// over completeness under sustained backpressure.
func (s *Supervisor) Send(to string, payload, opts json.RawMessage) {
	entry := sendEntry{To: to, Payload: payload, Opts: opts}
	select {
	case s.sendCh <- entry:
		return
	default:
	}
	select {
	case <-s.sendCh:
	default:
	}
	select {
	case s.sendCh <- entry:
	default:
	}
}

// Address returns the sidecar's most recently reported overlay address, or
// "" if it is not currently known (just spawned or disconnected).
func (s *Supervisor) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Supervisor) liveStdin() io.WriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin
}

// senderLoop drains sendCh and writes framed JSON commands to the live
// child's stdin. If no child is currently available, or a write fails, it
// polls until one is and retries the same entry.
func (s *Supervisor) senderLoop() {
	for {
		var entry sendEntry
		select {
		case <-s.stopCh:
			return
		case entry = <-s.sendCh:
		}

		for {
			stdin := s.liveStdin()
			if stdin == nil {
				select {
				case <-s.stopCh:
					return
				case <-time.After(writerPollInterval):
					continue
				}
			}

			cmd := struct {
				Type string          `json:"type"`
				To   string          `json:"to"`
				Data json.RawMessage `json:"data"`
				Opts json.RawMessage `json:"opts,omitempty"`
			}{Type: "dm", To: entry.To, Data: entry.Payload, Opts: entry.Opts}

			b, err := json.Marshal(cmd)
			if err != nil {
				break // malformed payload; drop, do not retry forever
			}
			b = append(b, '\n')

			if _, err := stdin.Write(b); err != nil {
				select {
				case <-s.stopCh:
					return
				case <-time.After(writerRetryInterval):
					continue
				}
			}
			break
		}
	}
}

// restartLater schedules a restart after the current backoff, doubling the
// backoff (capped) for next time. A ready event resets the backoff to its
// floor.
func (s *Supervisor) restartLater() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.stdin = nil
	delay := s.backoff
	next := s.backoff * 2
	if next > restartBackoffCap {
		next = restartBackoffCap
	}
	s.backoff = next
	s.mu.Unlock()

	if s.onStatus != nil {
		s.onStatus("restart_scheduled", true)
	}

	go func() {
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.Start()
		}
	}()
}

// Shutdown stops the supervisor: no further restarts are scheduled, the
// child's stdin is closed, and the process is terminated.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	cmd := s.cmd
	stdin := s.stdin
	s.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return fmt.Errorf("sidecar: shutdown: %w", ctx.Err())
	}
}
