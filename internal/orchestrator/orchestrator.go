// Package orchestrator runs one speech generation end to end: it checks the
// caller's allowance, borrows a credential and an egress route, calls both
// providers and reports the outcome back to the pools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/notify"
	"github.com/leozw/voice-keypool/internal/pool"
	"github.com/leozw/voice-keypool/internal/proxypool"
	"github.com/leozw/voice-keypool/internal/quota"
	"github.com/leozw/voice-keypool/internal/upstream"
	"go.uber.org/zap"
)

// ErrUpstream wraps every provider failure returned by Generate.
var ErrUpstream = errors.New("upstream failure")

const (
	defaultStability       = 0.0
	defaultSimilarityBoost = 0.75
	// TierAnonymous is reported for callers without a user key.
	TierAnonymous = "anonymous"
)

type Gate interface {
	Authorize(ctx context.Context, userKey, clientIP string) (quota.Caller, error)
	Consume(ctx context.Context, c quota.Caller) (int, error)
	Release(ctx context.Context, c quota.Caller) error
}

type Credentials interface {
	SelectKey(ctx context.Context, tier core.Tier) (core.Credential, error)
	RecordSuccess(ctx context.Context, id uuid.UUID, units int64) (core.Credential, error)
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) (core.Credential, error)
	MarkExhausted(ctx context.Context, id uuid.UUID, reason string) (core.Credential, error)
}

type Router interface {
	Route(ctx context.Context, region string) proxypool.Egress
	RecordSuccess(ctx context.Context, id uuid.UUID) (core.Proxy, error)
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) (core.Proxy, error)
}

type UsageRecorder interface {
	InsertUsage(ctx context.Context, l core.UsageLog) error
}

// Observer receives one call per Generate with its outcome label.
type Observer interface {
	ObserveSpeech(outcome string, elapsed time.Duration)
}

type Request struct {
	UserKey         string
	ClientIP        string
	Context         string
	SystemPrompt    string
	VoiceID         string
	Model           string
	Stability       *float64
	SimilarityBoost *float64
}

type Result struct {
	RequestID      string
	SpeechText     string
	Audio          []byte
	ProcessingTime time.Duration
	// SpeechesRemaining is nil for unlimited callers.
	SpeechesRemaining *int
	Tier              string
}

type Options struct {
	Logger   *zap.Logger
	Notifier notify.Notifier
	Observer Observer
	Now      func() time.Time
}

type Orchestrator struct {
	gate     Gate
	creds    Credentials
	router   Router
	text     upstream.TextGenerator
	speech   upstream.Synthesizer
	usage    UsageRecorder
	notifier notify.Notifier
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
}

func New(gate Gate, creds Credentials, router Router, text upstream.TextGenerator,
	speech upstream.Synthesizer, usage UsageRecorder, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		gate:     gate,
		creds:    creds,
		router:   router,
		text:     text,
		speech:   speech,
		usage:    usage,
		notifier: opts.Notifier,
		observer: opts.Observer,
		logger:   opts.Logger.With(zap.String("component", "orchestrator")),
		now:      opts.Now,
	}
}

func (r Request) validate() error {
	fields := []struct{ name, value string }{
		{"context", r.Context},
		{"system_prompt", r.SystemPrompt},
		{"voice_id", r.VoiceID},
		{"model", r.Model},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", pool.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

func (o *Orchestrator) Generate(ctx context.Context, req Request) (Result, error) {
	start := o.now()
	requestID := uuid.NewString()[:8]
	logger := o.logger.With(zap.String("request_id", requestID))

	res, outcome, err := o.generate(ctx, logger, requestID, req)
	elapsed := o.now().Sub(start)
	if o.observer != nil {
		o.observer.ObserveSpeech(outcome, elapsed)
	}
	if err != nil {
		return Result{}, err
	}
	res.ProcessingTime = elapsed
	logger.Info("Speech generated",
		zap.Duration("elapsed", elapsed),
		zap.String("tier", res.Tier),
		zap.Int("characters", len(res.SpeechText)))
	return res, nil
}

func (o *Orchestrator) generate(ctx context.Context, logger *zap.Logger, requestID string, req Request) (Result, string, error) {
	if err := req.validate(); err != nil {
		return Result{}, "invalid", err
	}

	caller, err := o.gate.Authorize(ctx, req.UserKey, req.ClientIP)
	if err != nil {
		return Result{}, "rejected", err
	}
	// bookkeeping outlives a client that hung up
	bg := context.WithoutCancel(ctx)
	settled := false
	defer func() {
		if settled {
			return
		}
		if err := o.gate.Release(bg, caller); err != nil {
			logger.Warn("Failed to release allowance", zap.Error(err))
		}
	}()

	cred, err := o.creds.SelectKey(ctx, caller.Tier)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			notify.Async(o.notifier, "Credential pool exhausted",
				fmt.Sprintf("[%s] No healthy credential for tier %s", requestID, caller.Tier), err)
			return Result{}, "exhausted", err
		}
		return Result{}, "error", err
	}
	logger = logger.With(zap.String("credential_id", cred.ID.String()), zap.String("credential", cred.Name))

	egress := o.router.Route(ctx, cred.RegionCode)

	text, err := o.text.GenerateText(ctx, upstream.TextRequest{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Context:      req.Context,
	})
	if err != nil {
		logger.Error("Text generation failed", zap.Error(err))
		notify.Async(o.notifier, "Text generation failed", fmt.Sprintf("[%s] text generation call failed", requestID), err)
		o.recordUsage(bg, logger, caller, cred, egress, req, 0, err)
		return Result{}, "upstream_error", fmt.Errorf("%w: text generation: %w", ErrUpstream, err)
	}

	audio, err := o.speech.Synthesize(ctx, cred.Secret, egress.URL, upstream.SpeechRequest{
		Text:            text,
		VoiceID:         req.VoiceID,
		Stability:       valueOr(req.Stability, defaultStability),
		SimilarityBoost: valueOr(req.SimilarityBoost, defaultSimilarityBoost),
	})
	if err != nil {
		category := upstream.Classify(err)
		logger.Error("Speech synthesis failed",
			zap.String("category", string(category)),
			zap.String("egress", egress.Kind),
			zap.Error(err))
		if ctx.Err() != nil {
			// the caller hung up or ran out of time; health is judged only
			// by requests that complete
			category = upstream.CategoryCanceled
		}
		o.charge(bg, logger, cred, egress, category, err)
		notify.Async(o.notifier, "Speech synthesis failed",
			fmt.Sprintf("[%s] speech synthesis failed with credential %s", requestID, cred.Name), err)
		o.recordUsage(bg, logger, caller, cred, egress, req, 0, err)
		return Result{}, "upstream_error", fmt.Errorf("%w: speech synthesis: %w", ErrUpstream, err)
	}

	units := int64(len(text))
	if _, err := o.creds.RecordSuccess(bg, cred.ID, units); err != nil {
		logger.Warn("Failed to record credential success", zap.Error(err))
	}
	if egress.ProxyID != nil {
		if _, err := o.router.RecordSuccess(bg, *egress.ProxyID); err != nil {
			logger.Warn("Failed to record proxy success", zap.Error(err))
		}
	}

	res := Result{
		RequestID:  requestID,
		SpeechText: text,
		Audio:      audio,
		Tier:       string(caller.Tier),
	}
	if caller.Anonymous {
		res.Tier = TierAnonymous
	}

	settled = true
	remaining, err := o.gate.Consume(bg, caller)
	if err != nil {
		logger.Error("Failed to consume allowance", zap.Error(err))
	} else if remaining != core.UnlimitedSpeeches {
		res.SpeechesRemaining = &remaining
	}

	o.recordUsage(bg, logger, caller, cred, egress, req, units, nil)
	return res, "success", nil
}

// charge reports a synthesis failure to whichever resource caused it.
// Client errors and abandoned requests are nobody's fault. Network errors are blamed on the pool
// proxy when one was used, and on the credential only for direct calls.
func (o *Orchestrator) charge(ctx context.Context, logger *zap.Logger, cred core.Credential, egress proxypool.Egress, category upstream.Category, cause error) {
	reason := core.Truncate(cause.Error(), 250)

	var err error
	switch category {
	case upstream.CategoryQuota:
		_, err = o.creds.MarkExhausted(ctx, cred.ID, reason)
	case upstream.CategoryCredential, upstream.CategoryProvider:
		_, err = o.creds.RecordFailure(ctx, cred.ID, reason)
	case upstream.CategoryNetwork:
		switch {
		case egress.ProxyID != nil:
			_, err = o.router.RecordFailure(ctx, *egress.ProxyID, reason)
		case egress.Direct():
			_, err = o.creds.RecordFailure(ctx, cred.ID, reason)
		}
	}
	if err != nil {
		logger.Warn("Failed to record failure", zap.Error(err))
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, logger *zap.Logger, caller quota.Caller, cred core.Credential,
	egress proxypool.Egress, req Request, units int64, cause error) {
	if o.usage == nil {
		return
	}
	credID := cred.ID
	entry := core.UsageLog{
		ID:            uuid.New(),
		ClientIP:      caller.ClientIP,
		CredentialID:  &credID,
		ProxyID:       egress.ProxyID,
		VoiceID:       req.VoiceID,
		ModelUsed:     req.Model,
		UnitsConsumed: units,
		Success:       cause == nil,
		CreatedAt:     o.now(),
	}
	if caller.User != nil {
		uid := caller.User.ID
		entry.UserID = &uid
	}
	if cause != nil {
		entry.Error = core.Truncate(cause.Error(), 500)
	}
	if err := o.usage.InsertUsage(ctx, entry); err != nil {
		logger.Warn("Failed to write usage log", zap.Error(err))
	}
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
