package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/config"
	"go.uber.org/zap"
)

const providerElevenLabs = "elevenlabs"

type SpeechRequest struct {
	Text            string
	VoiceID         string
	Stability       float64
	SimilarityBoost float64
}

// Synthesizer turns text into audio using one pooled credential, optionally
// through an egress proxy. An empty proxyURL means a direct connection.
type Synthesizer interface {
	Synthesize(ctx context.Context, apiKey, proxyURL string, req SpeechRequest) ([]byte, error)
}

type ElevenLabs struct {
	baseURL string
	modelID string
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewElevenLabs(cfg config.ElevenLabsConfig, logger *zap.Logger) *ElevenLabs {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ElevenLabs{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		modelID: cfg.ModelID,
		timeout: cfg.Timeout,
		logger:  logger.With(zap.String("provider", providerElevenLabs)),
		clients: make(map[string]*http.Client),
	}
}

// client returns one http.Client per egress so connections are reused.
func (e *ElevenLabs) client(proxyURL string) (*http.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[proxyURL]; ok {
		return c, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c := &http.Client{Timeout: e.timeout, Transport: transport}
	e.clients[proxyURL] = c
	return c, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type ttsError struct {
	Detail json.RawMessage `json:"detail"`
}

type ttsDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, apiKey, proxyURL string, req SpeechRequest) ([]byte, error) {
	client, err := e.client(proxyURL)
	if err != nil {
		return nil, &ProviderError{Provider: providerElevenLabs, Message: err.Error(), Category: CategoryNetwork}
	}

	body, err := json.Marshal(ttsRequest{
		Text:    req.Text,
		ModelID: e.modelID,
		VoiceSettings: voiceSettings{
			Stability:       req.Stability,
			SimilarityBoost: req.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, url.PathEscape(req.VoiceID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("xi-api-key", apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, networkError(providerElevenLabs, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(providerElevenLabs, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status, msg := parseTTSError(raw)
		return nil, &ProviderError{
			Provider:   providerElevenLabs,
			StatusCode: resp.StatusCode,
			Message:    msg,
			Category:   statusCategory(resp.StatusCode, status),
		}
	}
	return raw, nil
}

// parseTTSError accepts both the object and the plain string form of the
// detail field.
func parseTTSError(raw []byte) (status, message string) {
	var env ttsError
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Detail) == 0 {
		return "", core.Truncate(string(raw), 500)
	}

	var detail ttsDetail
	if err := json.Unmarshal(env.Detail, &detail); err == nil {
		if detail.Message == "" {
			detail.Message = detail.Status
		}
		return detail.Status, detail.Message
	}

	var text string
	if err := json.Unmarshal(env.Detail, &text); err == nil {
		return "", text
	}
	return "", core.Truncate(string(raw), 500)
}
