// Package rest issues REST calls against the Discord API with per-bucket
// rate-limit tracking, strict in-bucket ordering, and bounded retries.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/exelabs/concord/discord"
	"github.com/exelabs/concord/telemetry"
)

const (
	// maxAttempts bounds 5xx/transport retries per logical call.
	maxAttempts = 5
	// backoffBase is the first 5xx retry delay; doubles per attempt.
	backoffBase = time.Second
)

// Dispatcher submits REST requests. Full concurrency across distinct
// bucket keys, strict FIFO within one key, and a process-wide gate for
// global rate limits.
type Dispatcher struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *telemetry.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket

	// globalUntil is the unix-nano deadline of an active global rate
	// limit; 0 when none. Kept separate from per-bucket state so a
	// global 429 halts every bucket without touching their queues.
	globalUntil atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default pooled client.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.httpClient = c } }

// WithBaseURL points the dispatcher at a different API root. Test use.
func WithBaseURL(u string) Option { return func(d *Dispatcher) { d.baseURL = u } }

// WithLogger attaches a structured logger.
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// NewDispatcher builds a Dispatcher for the given bot token.
func NewDispatcher(token string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		token:     token,
		baseURL:   BaseURL,
		userAgent: "DiscordBot (github.com/exelabs/concord, v0)",
		httpClient: &http.Client{
			Transport: defaultTransport(),
			Timeout:   30 * time.Second,
		},
		log:     zap.NewNop(),
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// defaultTransport is tuned for many small API calls over few hosts:
// pooled keep-alive connections, HTTP/2, bounded handshake timeouts.
func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       120 * time.Second,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: 10 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Submit issues one logical REST call and returns the response body.
// body, when non-nil, is JSON-marshaled. Rate limits are absorbed
// transparently; the caller only ever sees 2xx bodies, *HTTPError, or
// *TransportError.
func (d *Dispatcher) Submit(ctx context.Context, route Route, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	b := d.bucket(route.BucketKey())
	if err := b.fifo.Lock(ctx); err != nil {
		return nil, err
	}
	defer b.fifo.Unlock()

	return d.dispatch(ctx, b, route, payload)
}

// SubmitInto is Submit plus JSON decoding of the response body.
func (d *Dispatcher) SubmitInto(ctx context.Context, route Route, body, out any) error {
	data, err := d.Submit(ctx, route, body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (d *Dispatcher) bucket(key string) *bucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[key]
	if !ok {
		b = &bucket{key: key}
		d.buckets[key] = b
	}
	return b
}

// dispatch runs the request/retry loop while holding b's fifo lock.
func (d *Dispatcher) dispatch(ctx context.Context, b *bucket, route Route, payload []byte) ([]byte, error) {
	attempt := 0
	for {
		if err := d.waitReady(ctx, b); err != nil {
			return nil, err
		}

		data, status, retryIn, err := d.roundTrip(ctx, route, payload)
		switch {
		case err != nil:
			// Transport-level failure: bounded backoff, same budget as 5xx.
			attempt++
			if attempt >= maxAttempts {
				return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
			d.log.Warn("transport failure, retrying",
				zap.String("path", route.Path), zap.Int("attempt", attempt), zap.Error(err))
			if err := sleepCtx(ctx, backoffFor(attempt)); err != nil {
				return nil, err
			}

		case status == http.StatusTooManyRequests:
			// Requeued transparently; does not consume the retry budget.
			d.applyRateLimit(b, data, retryIn)

		case status >= 500:
			attempt++
			if attempt >= maxAttempts {
				return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, httpError(status, data))
			}
			d.log.Warn("server error, retrying",
				zap.String("path", route.Path), zap.Int("status", status), zap.Int("attempt", attempt))
			if err := sleepCtx(ctx, backoffFor(attempt)); err != nil {
				return nil, err
			}

		case status >= 400:
			return nil, httpError(status, data)

		default:
			return data, nil
		}
	}
}

// waitReady parks the caller until both the global gate and the bucket
// window allow a dispatch.
func (d *Dispatcher) waitReady(ctx context.Context, b *bucket) error {
	for {
		now := time.Now()
		var delay time.Duration
		if until := d.globalUntil.Load(); until > now.UnixNano() {
			delay = time.Duration(until - now.UnixNano())
		} else if w := b.waitDelay(now); w > 0 {
			delay = w
		} else {
			b.consume()
			return nil
		}
		d.metrics.ObserveRateLimitWait(delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
	}
}

// roundTrip performs one HTTP exchange and refreshes bucket state from
// the response headers.
func (d *Dispatcher) roundTrip(ctx context.Context, route Route, payload []byte) (data []byte, status int, retryIn time.Duration, err error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, route.Method, d.baseURL+route.Path, rd)
	if err != nil {
		return nil, 0, 0, &TransportError{Op: "build", Err: err}
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("User-Agent", d.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, 0, ctx.Err()
		}
		return nil, 0, 0, &TransportError{Op: route.Method + " " + route.Path, Err: err}
	}
	defer resp.Body.Close()

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, &TransportError{Op: "read body", Err: err}
	}
	d.metrics.ObserveRequest(route.Method, resp.StatusCode, time.Since(start))

	d.bucket(route.BucketKey()).update(resp.Header, time.Now())

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra, ok := headerFloat(resp.Header, "Retry-After"); ok {
			retryIn = time.Duration(ra * float64(time.Second))
		}
	}
	return data, resp.StatusCode, retryIn, nil
}

// applyRateLimit reads a 429 body and freezes either the affected bucket
// or the whole dispatcher.
func (d *Dispatcher) applyRateLimit(b *bucket, body []byte, headerDelay time.Duration) {
	delay := headerDelay
	if v := gjson.GetBytes(body, "retry_after"); v.Exists() {
		delay = time.Duration(v.Float() * float64(time.Second))
	}
	if delay <= 0 {
		delay = time.Second
	}

	if gjson.GetBytes(body, "global").Bool() {
		d.metrics.ObserveGlobalLimit()
		d.log.Warn("global rate limit hit", zap.Duration("retry_after", delay))
		d.globalUntil.Store(time.Now().Add(delay).UnixNano())
		return
	}
	d.log.Debug("bucket rate limit hit",
		zap.String("bucket", b.key), zap.Duration("retry_after", delay))
	b.freeze(time.Now(), delay)
}

func httpError(status int, body []byte) *HTTPError {
	var api discord.APIError
	_ = json.Unmarshal(body, &api)
	return &HTTPError{Status: status, Code: api.Code, Message: api.Message, RawBody: body}
}

// backoffFor returns the exponential delay for retry n with jitter.
func backoffFor(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
