// Package notify delivers escrow lifecycle notifications.
//
// Notifications are fire-and-forget: delivery failures are logged and
// never propagated to fail the transition that triggered them.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/techfy/escrowpay/internal/retry"
)

// Event identifies what happened.
type Event string

const (
	EventEscrowInitiated   Event = "escrow.initiated"
	EventPaymentConfirmed  Event = "escrow.payment_confirmed"
	EventOrderShipped      Event = "escrow.shipped"
	EventDeliveryConfirmed Event = "escrow.delivered"
	EventFundsReleased     Event = "escrow.released"
	EventRefundIssued      Event = "escrow.refunded"
	EventDisputeRaised     Event = "escrow.dispute_raised"
	EventDisputeResolved   Event = "escrow.dispute_resolved"
	EventWalletCredited    Event = "wallet.credited"
)

// Notifier delivers an event to a user. Implementations must not block
// the caller on delivery and must never return delivery errors to it.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event, data map[string]string)
}

// LogNotifier writes notifications to the structured log. Used in
// development and as the default when no delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, userID string, event Event, data map[string]string) {
	n.logger.Info("notification",
		"user", userID,
		"event", string(event),
		"data", data,
	)
}

// HookNotifier POSTs notification payloads to a configured endpoint
// (e.g. an email/SMS relay), signing each payload with a shared secret.
type HookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewHookNotifier creates an HTTP-delivery notifier.
func NewHookNotifier(url, secret string, logger *slog.Logger) *HookNotifier {
	return &HookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type hookPayload struct {
	UserID    string            `json:"userId"`
	Event     Event             `json:"event"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notify sends asynchronously with bounded retry. Failures are logged only.
func (n *HookNotifier) Notify(ctx context.Context, userID string, event Event, data map[string]string) {
	payload, err := json.Marshal(hookPayload{
		UserID:    userID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		n.logger.Warn("notification marshal failed", "event", string(event), "error", err)
		return
	}

	go func() {
		// Detach from the request context: the transition has already
		// committed by the time delivery runs.
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := retry.Do(sendCtx, 3, 500*time.Millisecond, func() error {
			return n.send(sendCtx, payload, event)
		})
		if err != nil {
			n.logger.Warn("notification delivery failed",
				"user", userID,
				"event", string(event),
				"error", err,
			)
		}
	}()
}

func (n *HookNotifier) send(ctx context.Context, payload []byte, event Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowpay-Event", string(event))
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(payload)
		req.Header.Set("X-Escrowpay-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Compile-time assertions.
var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*HookNotifier)(nil)
)
