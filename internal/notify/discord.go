// Package notify sends operator alerts to a Discord-compatible webhook.
// Delivery is best effort: failures are logged and never reach callers.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/leozw/voice-keypool/internal/core"
	"go.uber.org/zap"
)

const alertColor = 15158332

// Notifier is what the rest of the service depends on.
type Notifier interface {
	Alert(ctx context.Context, title, message string, err error)
}

type Discord struct {
	webhookURL string
	client     *resty.Client
	logger     *zap.Logger
	now        func() time.Time
}

func NewDiscord(webhookURL string, logger *zap.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		client:     resty.New().SetTimeout(10 * time.Second),
		logger:     logger.With(zap.String("component", "notify")),
		now:        time.Now,
	}
}

type embedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp"`
	Fields      []embedField `json:"fields"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Alert posts one embed and waits for the webhook.
func (d *Discord) Alert(ctx context.Context, title, message string, err error) {
	if d.webhookURL == "" {
		return
	}

	e := embed{
		Title:       title,
		Description: message,
		Color:       alertColor,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
		Fields:      []embedField{},
	}
	if err != nil {
		detail := core.Truncate(err.Error(), 1000)
		e.Fields = append(e.Fields, embedField{Name: "Error Details", Value: "```" + detail + "```"})
	}

	resp, postErr := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{Embeds: []embed{e}}).
		Post(d.webhookURL)
	if postErr != nil {
		d.logger.Error("Failed to send alert", zap.Error(postErr))
		return
	}
	if resp.IsError() {
		d.logger.Error("Webhook rejected alert",
			zap.Int("status", resp.StatusCode()),
			zap.String("body", string(resp.Body())))
	}
}

// Async sends the alert in the background with its own deadline, detached
// from the request that raised it.
func Async(n Notifier, title, message string, err error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		n.Alert(ctx, title, message, err)
	}()
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Alert(context.Context, string, string, error) {}
