// Package httpworker executes relay.http request descriptors against local
// backend services: a fixed pool of goroutines, each owning a persistent
// *http.Client, dequeues jobs, performs the upstream call with retries, and
// converts the result into one or more outbound DM frames.
package httpworker

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/metrics"
	"github.com/overlaymesh/relay/payload"
	"github.com/overlaymesh/relay/wire"
)

// Sender is the outbound half of a SidecarSupervisor: enough to deliver a DM
// without the worker pool depending on the sidecar package directly.
type Sender interface {
	Send(to string, payload, opts json.RawMessage)
}

// Config mirrors the http tuning block of config.Config.
type Config struct {
	Workers       int
	MaxBodyB      int
	VerifyDefault bool
	ChunkRawB     int
	HeartbeatS    float64
	BatchLines    int
	BatchLatency  float64
	Retries       int
	RetryBackoff  float64
	RetryCap      float64
}

// Job is one request to execute: the caller's overlay address, the request
// id it should be correlated against, and the descriptor itself.
type Job struct {
	SourceAddr string
	RequestID  string
	Descriptor wire.RequestDescriptor
}

// Pool is a fixed set of worker goroutines serving one identity.
type Pool struct {
	node    string
	cfg     Config
	targets func() map[string]string
	sender  Sender
	metrics *metrics.Metrics
	schemas *payload.Registry
	log     *logger.Logger

	queue chan Job
	wg    sync.WaitGroup

	clientMu      sync.Mutex
	secureClients []*http.Client
	insecureOnce  []sync.Once
	insecure      []*http.Client
}

// New creates a Pool for one identity. targets resolves the current
// service-name → base-URL map at call time (so config reload is visible
// without recreating the pool).
func New(node string, cfg Config, targets func() map[string]string, sender Sender, m *metrics.Metrics, schemas *payload.Registry, log *logger.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pool{
		node:          node,
		cfg:           cfg,
		targets:       targets,
		sender:        sender,
		metrics:       m,
		schemas:       schemas,
		log:           log,
		queue:         make(chan Job, cfg.Workers*4),
		secureClients: make([]*http.Client, cfg.Workers),
		insecure:      make([]*http.Client, cfg.Workers),
		insecureOnce:  make([]sync.Once, cfg.Workers),
	}
	for i := range p.secureClients {
		p.secureClients[i] = newClient(false)
	}
	return p
}

func newClient(insecureSkipVerify bool) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit opt-out via verify:false/insecure_tls
	}
	return &http.Client{Transport: transport}
}

// Start launches the worker goroutines. Must be called exactly once.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}

// Submit enqueues a job, blocking while the queue already holds Workers×4
// jobs. Submit must not be called after Stop.
func (p *Pool) Submit(job Job) {
	p.queue <- job
	if p.metrics != nil {
		p.metrics.SetQueueDepth(p.node, len(p.queue))
	}
}

// Depth reports the current queue depth, published to the dashboard.
func (p *Pool) Depth() int { return len(p.queue) }

func (p *Pool) workerLoop(idx int) {
	defer p.wg.Done()
	for job := range p.queue {
		if p.metrics != nil {
			p.metrics.SetQueueDepth(p.node, len(p.queue))
		}
		p.process(idx, job)
	}
}

func (p *Pool) clientFor(idx int, descriptor wire.RequestDescriptor) *http.Client {
	verify := p.cfg.VerifyDefault
	if descriptor.Verify != nil {
		verify = *descriptor.Verify
	}
	if descriptor.InsecureTLS {
		verify = false
	}
	if verify {
		return p.secureClients[idx]
	}
	p.insecureOnce[idx].Do(func() {
		p.insecure[idx] = newClient(true)
	})
	return p.insecure[idx]
}

func (p *Pool) process(idx int, job Job) {
	d := job.Descriptor

	url, err := p.resolveURL(d)
	if err != nil {
		p.sendTerminalError(job, err.Error())
		return
	}

	method := d.Method
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := requestBody(d)
	if err != nil {
		p.sendTerminalError(job, err.Error())
		return
	}

	timeout := 30 * time.Second
	if d.TimeoutMs > 0 {
		timeout = time.Duration(d.TimeoutMs) * time.Millisecond
	}

	client := p.clientFor(idx, d)

	start := time.Now()
	resp, err := p.doWithRetry(client, method, url, body, contentType, d.Headers, timeout)
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncrementFailed()
		}
		p.sendTerminalError(job, err.Error())
		return
	}
	defer resp.Body.Close()

	if p.metrics != nil {
		p.metrics.IncrementTotal()
		if resp.StatusCode < 400 {
			p.metrics.IncrementSuccess()
		} else {
			p.metrics.IncrementFailed()
		}
		p.metrics.ObserveService(serviceLabel(d), time.Since(start))
	}

	wantStream := d.Stream
	if wantStream == "" {
		wantStream = d.Headers["X-Relay-Stream"]
	}
	if isStreamRequested(wantStream) {
		p.streamResponse(job, resp, wantStream)
		return
	}
	p.singleResponse(job, resp, d)
}

func serviceLabel(d wire.RequestDescriptor) string {
	if d.Service != "" {
		return d.Service
	}
	return "unknown"
}

func (p *Pool) resolveURL(d wire.RequestDescriptor) (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	if d.Service == "" {
		return "", fmt.Errorf("request descriptor has neither url nor service")
	}
	targets := p.targets()
	base, ok := targets[d.Service]
	if !ok {
		return "", fmt.Errorf("unknown service %q", d.Service)
	}
	return joinURL(base, d.Path), nil
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// requestBody implements the json > body_b64 > data precedence: whichever
// field is present first wins. Malformed base64 yields an empty body rather
// than an error, matching the source's lenient decode.
func requestBody(d wire.RequestDescriptor) ([]byte, string, error) {
	if len(d.JSON) > 0 {
		return []byte(d.JSON), "application/json", nil
	}
	if d.BodyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(d.BodyB64)
		if err != nil {
			return []byte{}, "", nil
		}
		return raw, "application/octet-stream", nil
	}
	if d.Data != "" {
		return []byte(d.Data), "", nil
	}
	return nil, "", nil
}

func (p *Pool) doWithRetry(client *http.Client, method, url string, body []byte, contentType string, headers map[string]string, timeout time.Duration) (*http.Response, error) {
	attempts := p.cfg.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		req, err := http.NewRequestWithContext(ctx, method, url, bytesReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := client.Do(req)
		if err == nil {
			cancel()
			return withCancelCleanup(resp, cancel), nil
		}
		cancel()
		lastErr = err

		delay := time.Duration(math.Min(p.cfg.RetryBackoff*math.Pow(2, float64(attempt)), p.cfg.RetryCap) * float64(time.Second))
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("upstream request failed after %d attempts: %w", attempts, lastErr)
}

// withCancelCleanup ties the request's context-cancel func to the response
// body's Close so the context is released exactly when the body is, instead
// of immediately after Do returns (which would abort an in-flight stream).
func withCancelCleanup(resp *http.Response, cancel context.CancelFunc) *http.Response {
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp
}

func bytesReader(b []byte) *strings.Reader {
	return strings.NewReader(string(b))
}

func (p *Pool) sendTerminalError(job Job, msg string) {
	resp := wire.Response{
		Event:     wire.EventRelayResponse,
		RequestID: job.RequestID,
		Ok:        false,
		Status:    0,
		Error:     msg,
	}
	p.sendJSON(job.SourceAddr, resp)
}

func (p *Pool) sendJSON(to string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Errorf("httpworker[%s]: marshal outbound DM: %v", p.node, err)
		return
	}
	p.sender.Send(to, raw, nil)
}

func isStreamRequested(token string) bool {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "1", "true", "yes", "on", "chunks", "dm", "lines", "ndjson", "sse", "events":
		return true
	default:
		return false
	}
}

func isLineMode(token, contentType string) bool {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "lines", "ndjson", "sse", "events":
		return true
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return true
	}
	if strings.Contains(ct, "json") && strings.Contains(ct, "stream") {
		return true
	}
	return false
}

func lowerHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func parseContentLength(h http.Header) *int64 {
	raw := h.Get("Content-Length")
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
