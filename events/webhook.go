package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// webhookPayload is the JSON body POSTed to the notification endpoint.
type webhookPayload struct {
	Event                 string `json:"event"`
	SignRequestUUID       string `json:"sign_request_uuid,omitempty"`
	FileUUID              string `json:"file_uuid,omitempty"`
	UserID                string `json:"user_id,omitempty"`
	SignedFile            string `json:"signed_file,omitempty"`
	SignedWithoutPassword bool   `json:"signed_without_password,omitempty"`
	Actor                 string `json:"actor,omitempty"`
	Timestamp             string `json:"timestamp"`
}

// Webhook forwards events to an external HTTP endpoint, e.g. a notifier.
type Webhook struct {
	url        string
	authHeader string // "Header: Value" format, e.g., "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
}

// NewWebhook builds a webhook subscriber for url.
func NewWebhook(url, authHeader string) *Webhook {
	return &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
	}
}

func payloadFor(evt Event) webhookPayload {
	p := webhookPayload{Event: evt.EventName(), Timestamp: time.Now().UTC().Format(time.RFC3339)}
	switch e := evt.(type) {
	case SignedEvent:
		if e.SignRequest != nil {
			p.SignRequestUUID = e.SignRequest.UUID
		}
		if e.File != nil {
			p.FileUUID = e.File.UUID
		}
		p.UserID = e.UserID
		p.SignedFile = e.SignedFile
		p.SignedWithoutPassword = e.SignedWithoutPassword
		if !e.SignedAt.IsZero() {
			p.Timestamp = e.SignedAt.UTC().Format(time.RFC3339)
		}
	case SignRequestCanceledEvent:
		if e.SignRequest != nil {
			p.SignRequestUUID = e.SignRequest.UUID
		}
		if e.File != nil {
			p.FileUUID = e.File.UUID
		}
		p.Actor = e.Actor
	}
	return p
}

// Handle is a bus Handler. It retries once on a 5xx response.
func (w *Webhook) Handle(ctx context.Context, evt Event) error {
	body, err := json.Marshal(payloadFor(evt))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook: building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Ironsign-Webhook/1.0")
		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook: request failed: %w", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook: status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			// 4xx: do not retry.
			return lastErr
		}
	}
	return lastErr
}
