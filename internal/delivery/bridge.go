package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/domain/notification"
)

// BridgeConfig configures an outbound transport bridge (email or SMS
// relay). The request timeout bounds every attempt so a hung transport
// marks the delivery failed instead of leaving it pending.
type BridgeConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type bridge struct {
	channel notification.Channel
	cfg     BridgeConfig
	client  *http.Client
	logger  *zap.Logger
}

// NewEmailBridge creates the email adapter, posting to the email relay.
func NewEmailBridge(cfg BridgeConfig, logger *zap.Logger) Adapter {
	return newBridge(notification.ChannelEmail, cfg, logger)
}

// NewSMSBridge creates the SMS adapter, posting to the SMS relay.
func NewSMSBridge(cfg BridgeConfig, logger *zap.Logger) Adapter {
	return newBridge(notification.ChannelSMS, cfg, logger)
}

func newBridge(ch notification.Channel, cfg BridgeConfig, logger *zap.Logger) Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &bridge{
		channel: ch,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

func (b *bridge) Name() notification.Channel { return b.channel }

// bridgePayload is the relay wire format.
type bridgePayload struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (b *bridge) Deliver(ctx context.Context, msg Message) error {
	to := msg.RecipientEmail
	if b.channel == notification.ChannelSMS {
		to = msg.RecipientPhone
	}
	if to == "" {
		return fmt.Errorf("recipient %s has no %s address", msg.RecipientID, b.channel)
	}

	payload := bridgePayload{
		To:       to,
		Subject:  msg.Content.Title,
		Body:     msg.Content.Message,
		Priority: string(msg.Priority),
		Metadata: msg.Content.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", b.channel, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", b.channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s bridge unreachable: %w", b.channel, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s bridge rejected delivery: status %d", b.channel, resp.StatusCode)
	}

	b.logger.Debug("bridge delivery accepted",
		zap.String("channel", string(b.channel)),
		zap.String("notification_id", msg.NotificationID),
		zap.String("recipient_id", msg.RecipientID),
	)
	return nil
}
