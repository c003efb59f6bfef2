package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/config"
	"go.uber.org/zap"
)

const providerOpenAI = "openai"

type TextRequest struct {
	Model        string
	SystemPrompt string
	Context      string
}

// TextGenerator produces the line that will be spoken.
type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

// OpenAI calls the chat completions endpoint. Transient failures are
// retried with backoff and a circuit breaker stops hammering a provider
// that keeps failing.
type OpenAI struct {
	url       string
	apiKey    string
	maxTokens int
	client    *http.Client
	executor  failsafe.Executor[string]
	logger    *zap.Logger
}

func NewOpenAI(cfg config.OpenAIConfig, logger *zap.Logger) *OpenAI {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	logger = logger.With(zap.String("provider", providerOpenAI))

	retry := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return retryable(err) }).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		Build()

	breaker := circuitbreaker.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool { return retryable(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("Circuit breaker state change",
				zap.String("from", stateName(e.OldState)),
				zap.String("to", stateName(e.NewState)))
		}).
		Build()

	return &OpenAI{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: cfg.Timeout},
		executor:  failsafe.With[string](retry, breaker),
		logger:    logger,
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch Classify(err) {
	case CategoryNetwork, CategoryProvider:
		return true
	}
	return false
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (o *OpenAI) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: "Context:\n" + req.Context + "\n\nGenerate a short spoken line for this character:"},
		},
		MaxTokens:   o.maxTokens,
		Temperature: 0.8,
	})
	if err != nil {
		return "", err
	}

	return o.executor.WithContext(ctx).Get(func() (string, error) {
		return o.call(ctx, body)
	})
}

func (o *OpenAI) call(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", networkError(providerOpenAI, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", networkError(providerOpenAI, err)
	}

	var parsed chatResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := core.Truncate(string(raw), 500)
		detail := ""
		if parsed.Error != nil {
			msg, detail = parsed.Error.Message, parsed.Error.Code
		}
		o.logger.Warn("Text generation failed", zap.Int("status", resp.StatusCode), zap.String("error", msg))
		return "", &ProviderError{
			Provider:   providerOpenAI,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Category:   statusCategory(resp.StatusCode, detail),
		}
	}

	if len(parsed.Choices) == 0 {
		return "", &ProviderError{Provider: providerOpenAI, StatusCode: resp.StatusCode, Message: "empty completion", Category: CategoryProvider}
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Provider: providerOpenAI, StatusCode: resp.StatusCode, Message: "empty completion", Category: CategoryProvider}
	}
	return text, nil
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
