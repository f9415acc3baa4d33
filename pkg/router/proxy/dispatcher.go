// Package proxy is the request dispatcher: it admits OpenAI-style requests,
// asks the active routing strategy for an endpoint, and relays the response
// stream back to the client while collecting the statistics that feed the
// next routing decision.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/config"
	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/metrics"
	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/stats"
	"github.com/infergate/infergate/pkg/router/strategy"
	"github.com/infergate/infergate/pkg/router/workflow"
)

// Clock is the mechanism used to get the current time.
type Clock interface {
	Now() time.Time
}

// Dispatcher proxies requests to engine endpoints. One instance per process.
type Dispatcher struct {
	clock     Clock
	runtime   *config.Runtime
	reg       *registry.Registry
	tracker   *stats.Tracker
	workflows *workflow.Manager
	bundle    *metrics.Bundle
	tracks    *Tracks

	client         *http.Client
	requestTimeout time.Duration

	inFlight sync.WaitGroup
}

func NewDispatcher(
	clock Clock,
	runtime *config.Runtime,
	reg *registry.Registry,
	tracker *stats.Tracker,
	workflows *workflow.Manager,
	bundle *metrics.Bundle,
	requestTimeout time.Duration,
) *Dispatcher {
	return &Dispatcher{
		clock:     clock,
		runtime:   runtime,
		reg:       reg,
		tracker:   tracker,
		workflows: workflows,
		bundle:    bundle,
		tracks:    NewTracks(),
		// No client timeout; per-request deadlines come from the context so
		// that streams longer than the dial budget aren't cut off.
		client:         &http.Client{},
		requestTimeout: requestTimeout,
	}
}

// Tracks exposes the in-flight request index.
func (d *Dispatcher) Tracks() *Tracks {
	return d.tracks
}

// Drain waits for in-flight requests, up to timeout.
func (d *Dispatcher) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		d.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Dispatch serves one inference request. modelType is non-empty on
// specialized paths (transcription); those require endpoints tagged with it.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, modelType string) {
	d.inFlight.Add(1)
	defer d.inFlight.Done()
	ctx := r.Context()

	active := d.runtime.Active()
	if active == nil {
		writeError(w, errkind.NoEndpoint.Newf("router has no active configuration"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errkind.ClientCancelled.Newf("read request body: %v", err))
		return
	}

	if r.Header.Get(HeaderRequestID) == "" {
		r.Header.Set(HeaderRequestID, uuid.New().String())
	}
	req := parseRequest(r, body, modelType, active.Doc.PriorityHeader)
	req.RequestID = r.Header.Get(HeaderRequestID)
	w.Header().Set(HeaderRequestID, req.RequestID)

	if req.WorkflowID != "" {
		d.workflows.GetOrCreate(req.WorkflowID, req.AgentID)
	}

	track := &Track{
		ID:         req.RequestID,
		WorkflowID: req.WorkflowID,
		AgentID:    req.AgentID,
		Model:      req.Model,
		StartedAt:  d.clock.Now(),
	}
	d.tracks.add(track)
	defer d.tracks.remove(track.ID)

	eps, err := strategy.Filter(d.reg.Snapshot(), req.Model, modelType)
	if err != nil {
		d.fail(ctx, track, err)
		writeError(w, err)
		return
	}
	decision, err := active.Strategy.Route(ctx, req, eps)
	if err != nil {
		d.fail(ctx, track, err)
		writeError(w, err)
		return
	}
	track.URL = decision.URL
	track.Phase = decision.Phase
	track.advance(StateRouted)

	w.Header().Set(HeaderServedBy, decision.URL)
	switch decision.Phase {
	case strategy.PhasePrefill:
		w.Header().Set(HeaderPrefillBy, decision.URL)
	case strategy.PhaseDecode:
		w.Header().Set(HeaderDecodeBy, decision.URL)
		if decision.PrefillURL != "" {
			w.Header().Set(HeaderPrefillBy, decision.PrefillURL)
		}
	}

	d.relay(w, r, active, req, decision, track, body)
}

// relay opens the upstream connection and streams the response through,
// invoking the lifecycle callbacks along the way.
func (d *Dispatcher) relay(
	w http.ResponseWriter,
	r *http.Request,
	active *config.Active,
	req *strategy.Request,
	decision strategy.Decision,
	track *Track,
	body []byte,
) {
	url := decision.URL
	d.tracker.Begin(url)
	d.bundle.IncomingRequests.WithLabelValues(url).Inc()
	start := d.clock.Now()

	// finalize runs exactly once per request, whichever path gets there
	// first (normal end, upstream error, client cancel).
	finalize := func(final TrackState, tokensOut int64, cacheHit bool) {
		track.finish(final, func() {
			success := final == StateCompleted
			dur := d.clock.Now().Sub(start)
			d.tracker.Complete(url, dur, tokensOut, success)
			d.bundle.RequestDuration.WithLabelValues(url).Observe(dur.Seconds())
			if success {
				if o, ok := active.Strategy.(strategy.CompletionObserver); ok {
					o.ObserveCompletion(url, dur.Seconds())
				}
			}
			if req.WorkflowID != "" {
				d.workflows.OnRequestComplete(req.WorkflowID, success, tokensOut, cacheHit)
				d.reportWorkflowMetrics(req.WorkflowID)
			}
		})
	}

	ctx, cancel := context.WithTimeout(r.Context(), d.requestTimeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, r.Method, url+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		finalize(StateFailed, 0, false)
		writeError(w, errkind.UpstreamConnect.New(err))
		return
	}
	copyHeaders(upReq.Header, r.Header)

	resp, err := d.client.Do(upReq)
	if err != nil {
		kerr := d.classifyUpstreamError(ctx, r, err)
		final := StateFailed
		if errkind.Is(kerr, errkind.ClientCancelled) {
			final = StateCancelled
		}
		finalize(final, 0, false)
		dlog.Debugf(ctx, "request %s to %s failed: %v", req.RequestID, url, kerr)
		writeError(w, kerr)
		return
	}
	defer resp.Body.Close()
	track.advance(StateConnected)

	cacheHit := resp.Header.Get(HeaderPrefixCacheHit) == "true"
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	usage := newUsageScanner()
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	lastChunk := time.Time{}
	var copyErr error
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			now := d.clock.Now()
			if lastChunk.IsZero() {
				track.advance(StateStreaming)
				d.tracker.FirstToken(url, now.Sub(start))
				d.bundle.TTFT.WithLabelValues(url).Observe(now.Sub(start).Seconds())
			} else {
				d.tracker.InterToken(url, now.Sub(lastChunk))
			}
			lastChunk = now
			usage.scan(chunk)
			if _, werr := w.Write(chunk); werr != nil {
				copyErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				copyErr = rerr
			}
			break
		}
	}

	switch {
	case copyErr == nil:
		tokensOut, estimated := usage.tokensOut()
		if estimated {
			dlog.Debugf(ctx, "request %s: tokens_estimated=true tokens_out=%d", req.RequestID, tokensOut)
		}
		finalize(StateCompleted, tokensOut, cacheHit)
	case r.Context().Err() != nil:
		finalize(StateCancelled, 0, false)
	default:
		dlog.Debugf(ctx, "request %s stream from %s broke: %v", req.RequestID, url, copyErr)
		finalize(StateFailed, 0, false)
	}
}

func (d *Dispatcher) fail(ctx context.Context, track *Track, err error) {
	track.finish(StateFailed, func() {})
	dlog.Debugf(ctx, "request %s not dispatched: %v", track.ID, err)
}

// classifyUpstreamError maps a client.Do failure to an error kind.
func (d *Dispatcher) classifyUpstreamError(upCtx context.Context, r *http.Request, err error) error {
	switch {
	case r.Context().Err() != nil:
		return errkind.ClientCancelled.Newf("client closed the connection")
	case errors.Is(err, context.DeadlineExceeded) || upCtx.Err() == context.DeadlineExceeded:
		return errkind.UpstreamTimeout.Newf("no response within %s", d.requestTimeout)
	default:
		return errkind.UpstreamConnect.New(err)
	}
}

func (d *Dispatcher) reportWorkflowMetrics(workflowID string) {
	d.bundle.WorkflowRequests.WithLabelValues(workflowID).Inc()
	if c, ok := d.workflows.Get(workflowID); ok && c.RequestCount > 0 {
		rate := float64(c.CacheHitCount) / float64(c.RequestCount)
		d.bundle.WorkflowCacheHitRate.WithLabelValues(workflowID).Set(rate)
	}
}

// hop-by-hop headers, never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// usageScanner extracts the completion token count from the response while
// it streams by. It retains the tail of the stream (where usage appears in
// both streaming and non-streaming responses) and counts whitespace-
// delimited words as the fallback estimate.
type usageScanner struct {
	tail      []byte
	wordCount int64
	inWord    bool
}

const usageTailMax = 64 * 1024

func newUsageScanner() *usageScanner {
	return &usageScanner{}
}

func (u *usageScanner) scan(chunk []byte) {
	for _, b := range chunk {
		space := b == ' ' || b == '\n' || b == '\t' || b == '\r'
		if !space && !u.inWord {
			u.wordCount++
		}
		u.inWord = !space
	}
	u.tail = append(u.tail, chunk...)
	if len(u.tail) > usageTailMax {
		u.tail = append(u.tail[:0:0], u.tail[len(u.tail)-usageTailMax:]...)
	}
}

// tokensOut returns the engine-reported completion token count, or the
// whitespace estimate with estimated=true when the response carried no
// usage.
func (u *usageScanner) tokensOut() (n int64, estimated bool) {
	// Non-streaming: the tail is (the end of) a JSON object.
	if v := gjson.GetBytes(u.tail, "usage.completion_tokens"); v.Exists() {
		return v.Int(), false
	}
	// Streaming: scan SSE data lines from the end; the usage chunk is last.
	lines := bytes.Split(u.tail, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if v := gjson.GetBytes(payload, "usage.completion_tokens"); v.Exists() {
			return v.Int(), false
		}
	}
	return u.wordCount, true
}
