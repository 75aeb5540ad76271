package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"poolrelay/internal/streaming"
)

// Notifier delivers outcome notifications to a webhook. With no webhook
// configured it degrades to structured log lines, which is enough for
// development setups. Deliveries are at-least-once; receivers dedup on
// ref_id and status.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewNotifier(webhookURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:    webhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type notification struct {
	RefID     string `json:"ref_id"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	SentAt    string `json:"sent_at"`
}

func (n *Notifier) Handle(ctx context.Context, job streaming.Job) error {
	payload := notification{
		RefID:     job.RefID,
		Recipient: job.Recipient,
		Kind:      string(job.Kind),
		Amount:    job.Amount,
		Status:    string(job.Status),
		Detail:    job.Detail,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if n.url == "" {
		n.logger.Info("notification",
			slog.String("ref_id", payload.RefID),
			slog.String("recipient", payload.Recipient),
			slog.String("kind", payload.Kind),
			slog.String("amount", payload.Amount),
			slog.String("status", payload.Status))
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("webhook post: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook rejected notification: status %d", resp.StatusCode)
	}
	return nil
}
