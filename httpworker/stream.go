package httpworker

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/overlaymesh/relay/wire"
)

// readResult is one outcome of a background body.Read call.
type readResult struct {
	data []byte
	err  error
}

// streamResponse drives the begin/frames/keepalive/end state machine for a
// chunked or long-running response.
func (p *Pool) streamResponse(job Job, resp *http.Response, streamToken string) {
	begin := wire.ResponseBegin{
		Event:         wire.EventRelayResponseBegin,
		RequestID:     job.RequestID,
		Ok:            true,
		Status:        resp.StatusCode,
		Headers:       lowerHeaders(resp.Header),
		ContentLength: parseContentLength(resp.Header),
		Filename:      parseFilename(resp.Header.Get("Content-Disposition")),
		Ts:            nowMillis(),
	}
	p.sendJSON(job.SourceAddr, begin)

	lineMode := isLineMode(streamToken, resp.Header.Get("Content-Type"))
	if lineMode {
		p.streamLines(job, resp.Body)
	} else {
		p.streamChunks(job, resp.Body)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// resetTimer safely re-arms timer after the caller has just sent a frame,
// draining an already-fired channel if necessary.
func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func parseFilename(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	parts := strings.Split(contentDisposition, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "filename*=utf-8''") {
			return strings.TrimPrefix(part, part[:len("filename*=utf-8''")])
		}
		if strings.HasPrefix(strings.ToLower(part), "filename=") {
			v := strings.TrimPrefix(part, part[:len("filename=")])
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func readLoop(body io.ReadCloser, chunkSize int) <-chan readResult {
	ch := make(chan readResult)
	go func() {
		defer close(ch)
		buf := make([]byte, chunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				ch <- readResult{data: data}
			}
			if err != nil {
				ch <- readResult{err: err}
				return
			}
		}
	}()
	return ch
}

func (p *Pool) heartbeatDuration() time.Duration {
	s := p.cfg.HeartbeatS
	if s <= 0 {
		s = 10
	}
	return time.Duration(s * float64(time.Second))
}

// streamLines implements line mode: incremental UTF-8 decode, split on '\n',
// drop blank lines, batch by count or latency.
func (p *Pool) streamLines(job Job, body io.ReadCloser) {
	defer body.Close()

	chunkSize := p.cfg.ChunkRawB
	if chunkSize <= 0 {
		chunkSize = 12 * 1024
	}
	batchLines := p.cfg.BatchLines
	if batchLines <= 0 {
		batchLines = 24
	}
	batchLatency := time.Duration(p.cfg.BatchLatency * float64(time.Second))
	if batchLatency <= 0 {
		batchLatency = 80 * time.Millisecond
	}

	ch := readLoop(body, chunkSize)
	heartbeat := p.heartbeatDuration()
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	var pendingRaw []byte // incomplete trailing UTF-8 sequence carried across reads
	var carry string       // decoded text after the last '\n' seen so far
	seq := 0
	var batch []wire.LineEntry
	var bytesSent int64
	doneSeen := false
	lastFlush := time.Now()
	var latencyC <-chan time.Time // fires when a pending batch reaches batchLatency

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.sendJSON(job.SourceAddr, wire.ResponseLines{
			Event:     wire.EventRelayResponseLines,
			RequestID: job.RequestID,
			Lines:     batch,
		})
		batch = nil
		lastFlush = time.Now()
		latencyC = nil
		resetTimer(timer, heartbeat)
	}

	emitLine := func(line string) {
		if line == "" {
			return
		}
		seq++
		bytesSent += int64(len(line))
		batch = append(batch, wire.LineEntry{Seq: seq, Ts: nowMillis(), Line: line})
		if isDoneMarker(line) {
			doneSeen = true
		}
		if len(batch) >= batchLines || time.Since(lastFlush) >= batchLatency {
			flush()
		} else if latencyC == nil {
			latencyC = time.After(batchLatency - time.Since(lastFlush))
		}
	}

	decode := func(chunk []byte, final bool) {
		pendingRaw = append(pendingRaw, chunk...)
		decoded, rest := decodeIncrementalUTF8(pendingRaw, final)
		pendingRaw = rest
		carry += decoded
		for {
			i := strings.IndexByte(carry, '\n')
			if i < 0 {
				break
			}
			emitLine(carry[:i])
			carry = carry[i+1:]
		}
		if final && carry != "" {
			emitLine(carry)
			carry = ""
		}
	}

loop:
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				break loop
			}

			if len(res.data) > 0 {
				decode(res.data, false)
			}
			if res.err != nil {
				if res.err == io.EOF {
					decode(nil, true)
					flush()
					p.sendEnd(job, true, bytesSent, seq, &doneSeen, false, "")
					return
				}
				flush()
				p.sendEnd(job, false, bytesSent, seq, &doneSeen, false, res.err.Error())
				return
			}
		case <-latencyC:
			latencyC = nil
			flush()
		case <-timer.C:
			p.sendJSON(job.SourceAddr, wire.ResponseKeepalive{
				Event:     wire.EventRelayResponseKeepalive,
				RequestID: job.RequestID,
				Ts:        nowMillis(),
			})
			timer.Reset(heartbeat)
		}
	}
	flush()
	p.sendEnd(job, true, bytesSent, seq, &doneSeen, false, "")
}

func isDoneMarker(line string) bool {
	var v struct {
		Done bool `json:"done"`
	}
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return false
	}
	return v.Done
}

// streamChunks implements chunk mode: each non-empty read becomes one
// base64-encoded frame; empty reads (none occur with blocking Read, kept for
// parity with the source's poll-based chunking) fall through to heartbeat.
func (p *Pool) streamChunks(job Job, body io.ReadCloser) {
	defer body.Close()

	chunkSize := p.cfg.ChunkRawB
	if chunkSize <= 0 {
		chunkSize = 12 * 1024
	}

	ch := readLoop(body, chunkSize)
	heartbeat := p.heartbeatDuration()
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	seq := 0
	var bytesSent int64

loop:
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				break loop
			}

			if len(res.data) > 0 {
				seq++
				bytesSent += int64(len(res.data))
				p.sendJSON(job.SourceAddr, wire.ResponseChunk{
					Event:     wire.EventRelayResponseChunk,
					RequestID: job.RequestID,
					Seq:       seq,
					B64:       base64.StdEncoding.EncodeToString(res.data),
				})
				resetTimer(timer, heartbeat)
			}
			if res.err != nil {
				if res.err == io.EOF {
					p.sendEnd(job, true, bytesSent, seq, nil, false, "")
					return
				}
				p.sendEnd(job, false, bytesSent, seq, nil, false, res.err.Error())
				return
			}
		case <-timer.C:
			p.sendJSON(job.SourceAddr, wire.ResponseKeepalive{
				Event:     wire.EventRelayResponseKeepalive,
				RequestID: job.RequestID,
				Ts:        nowMillis(),
			})
			timer.Reset(heartbeat)
		}
	}
	p.sendEnd(job, true, bytesSent, seq, nil, false, "")
}

func (p *Pool) sendEnd(job Job, ok bool, bytesSent int64, lastSeq int, doneSeen *bool, truncated bool, errMsg string) {
	var lines *int
	if doneSeen != nil {
		n := lastSeq
		lines = &n
	}
	p.sendJSON(job.SourceAddr, wire.ResponseEnd{
		Event:     wire.EventRelayResponseEnd,
		RequestID: job.RequestID,
		Ok:        ok,
		Bytes:     bytesSent,
		LastSeq:   lastSeq,
		Lines:     lines,
		DoneSeen:  doneSeen,
		Truncated: truncated,
		Error:     errMsg,
	})
}

// decodeIncrementalUTF8 decodes as much of buf as forms complete runes,
// returning the decoded text and any trailing incomplete-sequence bytes to
// carry into the next call. When final is true, the remainder is returned
// as-is: invalid trailing bytes are kept unchanged here, and encoding/json
// writes them as U+FFFD when the line is marshalled.
func decodeIncrementalUTF8(buf []byte, final bool) (string, []byte) {
	if final {
		return string(buf), nil
	}
	n := len(buf)
	if n == 0 {
		return "", nil
	}
	cut := n
	limit := 4
	if limit > n {
		limit = n
	}
	for k := 1; k <= limit; k++ {
		b := buf[n-k]
		if utf8.RuneStart(b) {
			r, size := utf8.DecodeRune(buf[n-k:])
			if r == utf8.RuneError && size == 1 && k < 4 {
				cut = n - k
			}
			break
		}
	}
	decoded := string(buf[:cut])
	rest := make([]byte, n-cut)
	copy(rest, buf[cut:])
	return decoded, rest
}
