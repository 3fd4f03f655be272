package httpworker

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/overlaymesh/relay/wire"
)

// cancelOnCloseBody releases the request's context when the response body is
// closed, so a streaming response is not aborted the instant Do returns.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnCloseBody) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// singleResponse sends exactly one terminal relay.response DM for a
// non-streaming request.
func (p *Pool) singleResponse(job Job, resp *http.Response, d wire.RequestDescriptor) {
	maxBody := p.cfg.MaxBodyB
	if maxBody <= 0 {
		maxBody = 2 * 1024 * 1024
	}

	limited := io.LimitReader(resp.Body, int64(maxBody)+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		p.sendTerminalError(job, err.Error())
		return
	}
	truncated := false
	if len(raw) > maxBody {
		raw = raw[:maxBody]
		truncated = true
	}

	out := wire.Response{
		Event:     wire.EventRelayResponse,
		RequestID: job.RequestID,
		Ok:        true,
		Status:    resp.StatusCode,
		Headers:   lowerHeaders(resp.Header),
		Truncated: truncated,
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(ct), "application/json") && json.Valid(raw) {
		out.JSON = json.RawMessage(raw)
		if p.schemas != nil && serviceLabel(d) != "unknown" {
			if mismatches := p.schemas.Observe(serviceLabel(d), raw); len(mismatches) > 0 {
				p.log.Warnf("httpworker[%s]: response schema drift on %q: %s", p.node, serviceLabel(d), strings.ReplaceAll(mismatchLines(mismatches), "\n", "; "))
			}
		}
	} else {
		out.BodyB64 = base64.StdEncoding.EncodeToString(raw)
	}

	p.sendJSON(job.SourceAddr, out)
}

func mismatchLines(mismatches []string) string {
	return strings.Join(mismatches, "\n")
}
