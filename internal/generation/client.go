package generation

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/examprep/internal/diagnostics"
	"github.com/antoniostano/examprep/internal/observability"
	"github.com/antoniostano/examprep/internal/policy"
	"github.com/antoniostano/examprep/internal/reliability"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1000 * time.Millisecond

	recordTimeout     = 2 * time.Second
	maxRecordedRunes  = 2000
	maxLoggedRawRunes = 200
)

// Recorder receives surfaced failures. diagnostics.Store satisfies it.
type Recorder interface {
	Save(ctx context.Context, record diagnostics.Record) error
}

// Client wraps a Generator with classification, bounded retries and
// exponential backoff. A Client is safe for concurrent use: all retry state
// lives on the stack of a single Run.
type Client struct {
	generator   Generator
	maxAttempts int
	baseDelay   time.Duration
	metrics     *observability.Metrics
	recorder    Recorder
	sleep       func(ctx context.Context, d time.Duration) error
}

type ClientOption func(*Client)

func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithRecorder(r Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithDefaults overrides the per-client retry budget used when Run is called
// without options.
func WithDefaults(maxAttempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			c.baseDelay = baseDelay
		}
	}
}

func NewClient(gen Generator, opts ...ClientOption) *Client {
	c := &Client{
		generator:   gen,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOption adjusts the retry budget of a single Run.
type RunOption func(*RetryState)

func WithMaxAttempts(n int) RunOption {
	return func(s *RetryState) {
		if n > 0 {
			s.MaxAttempts = n
		}
	}
}

func WithBaseDelay(d time.Duration) RunOption {
	return func(s *RetryState) {
		if d > 0 {
			s.BaseDelay = d
		}
	}
}

// Run performs the request with retries and always returns a Result value.
//
// Transient failures are retried while attempt+1 < MaxAttempts. Rate-limited
// failures keep retrying while attempt < MaxAttempts, so a run that only sees
// rate limits may make MaxAttempts+1 calls.
func (c *Client) Run(ctx context.Context, req Request, opts ...RunOption) Result {
	state := RetryState{MaxAttempts: c.maxAttempts, BaseDelay: c.baseDelay}
	for _, opt := range opts {
		opt(&state)
	}
	if state.MaxAttempts < 1 {
		state.MaxAttempts = 1
	}

	start := time.Now()
	defer func() {
		c.metrics.ObserveStage(observability.StageGenerationTotal, time.Since(start))
	}()

	if c.generator == nil {
		return c.surface(ctx, req, Result{}, reliability.NewError(reliability.KindFatal, "generator not configured", nil))
	}

	var lastErr error
	calls := 0
	for state.Attempt = 0; ; state.Attempt++ {
		if err := ctx.Err(); err != nil {
			return c.cancelled(Result{Attempts: calls}, err)
		}

		raw, err := c.generator.Generate(ctx, req)
		calls++
		if err == nil {
			c.metrics.ObserveGenerationAttempt("ok")
			return c.complete(ctx, req, raw, calls)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.cancelled(Result{Attempts: calls}, ctxErr)
		}

		lastErr = err
		kind := reliability.Classify(err)
		c.metrics.ObserveGenerationAttempt(string(kind))
		log.Printf("generation: attempt %d/%d failed (%s): %v", state.Attempt+1, state.MaxAttempts, kind, err)

		retry := false
		switch kind {
		case reliability.KindRateLimited:
			retry = state.Attempt < state.MaxAttempts
		case reliability.KindTransient:
			retry = state.Attempt+1 < state.MaxAttempts
		case reliability.KindCancelled:
			return c.cancelled(Result{Attempts: calls}, err)
		default:
			return c.surface(ctx, req, Result{Attempts: calls}, reliability.NewError(kind, err.Error(), err))
		}
		if !retry {
			break
		}

		delay := reliability.Backoff(state.Attempt, state.BaseDelay, kind)
		c.metrics.ObserveRetry(string(kind), delay)
		if err := c.sleep(ctx, delay); err != nil {
			return c.cancelled(Result{Attempts: calls}, err)
		}
	}

	return c.surface(ctx, req, Result{Attempts: calls},
		reliability.NewError(reliability.KindRequestFailed, lastErr.Error(), lastErr))
}

func (c *Client) complete(ctx context.Context, req Request, raw string, calls int) Result {
	res := Result{Raw: raw, Attempts: calls}
	if !req.wantsJSON() {
		res.Text = raw
		return res
	}
	v, err := ExtractJSON(raw)
	if err != nil {
		return c.surface(ctx, req, res, reliability.NewError(reliability.KindMalformedJSON, err.Error(), err))
	}
	res.JSON = v
	return res
}

func (c *Client) cancelled(res Result, err error) Result {
	res.Err = reliability.NewError(reliability.KindCancelled, "", err)
	return res
}

func (c *Client) surface(ctx context.Context, req Request, res Result, err *reliability.Error) Result {
	res.Err = err
	log.Printf("generation: surfaced %s after %d call(s): %s", err.Kind, res.Attempts, policy.ForDiagnostics(err.Error(), maxLoggedRawRunes))
	c.record(ctx, req, res)
	return res
}

// record stores the failure in the background so a slow store never delays
// the caller.
func (c *Client) record(ctx context.Context, req Request, res Result) {
	if c.recorder == nil || res.Err == nil {
		return
	}
	rec := diagnostics.Record{
		ID:        uuid.NewString(),
		Kind:      string(res.Err.Kind),
		Prompt:    policy.ForDiagnostics(req.Prompt, maxRecordedRunes),
		Raw:       policy.ForDiagnostics(res.Raw, maxRecordedRunes),
		Message:   policy.ForDiagnostics(res.Err.Error(), maxRecordedRunes),
		Attempts:  res.Attempts,
		CreatedAt: time.Now().UTC(),
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	go func() {
		defer cancel()
		if err := c.recorder.Save(recordCtx, rec); err != nil {
			log.Printf("generation: record failure: %v", err)
		}
	}()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
