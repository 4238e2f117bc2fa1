// Package webhook fans ingested messages out to realtime subscribers and
// to an external callback URL. Both legs are best-effort and independent:
// failures are logged, never surfaced, never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mvbarbosa/warelay/internal/bus"
	"github.com/mvbarbosa/warelay/internal/store"
	"go.uber.org/zap"
)

// URLSource resolves the callback URL configured for an instance. An
// empty result means no per-instance override.
type URLSource interface {
	WebhookURL(instanceID string) string
}

// Envelope is the JSON body POSTed to the callback URL.
type Envelope struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Data       Data   `json:"data"`
}

// Data carries the message payload inside the envelope.
type Data struct {
	FromMe           bool    `json:"fromMe"`
	Key              Key     `json:"key"`
	Message          Content `json:"message"`
	MessageTimestamp int64   `json:"messageTimestamp"`
}

// Key identifies the message within its chat.
type Key struct {
	RemoteJID string `json:"remoteJid"`
	ID        string `json:"id"`
}

// Content is the normalized message content.
type Content struct {
	Type          string `json:"type"`
	Text          string `json:"text,omitempty"`
	MediaURL      string `json:"mediaUrl,omitempty"`
	MediaFileName string `json:"mediaFileName,omitempty"`
	MediaMimeType string `json:"mediaMimeType,omitempty"`
	ViewOnce      bool   `json:"viewOnce,omitempty"`
	SenderName    string `json:"senderName,omitempty"`
	SenderPhone   string `json:"senderPhone,omitempty"`
}

// Notifier pushes ingested messages to the bus and to callback URLs.
type Notifier struct {
	bus        *bus.Bus
	urls       URLSource
	client     *http.Client
	defaultURL string
	logger     *zap.Logger
}

// NewNotifier creates a notifier. timeout bounds each callback POST;
// defaultURL receives events for instances without their own URL and may
// be empty.
func NewNotifier(b *bus.Bus, urls URLSource, defaultURL string, timeout time.Duration, logger *zap.Logger) *Notifier {
	return &Notifier{
		bus:        b,
		urls:       urls,
		client:     &http.Client{Timeout: timeout},
		defaultURL: defaultURL,
		logger:     logger,
	}
}

// Notify fans one persisted message out. It never returns an error: both
// sinks are best-effort, single attempt.
func (n *Notifier) Notify(ctx context.Context, msg *store.Message) {
	n.bus.Publish(bus.Event{
		Kind:       "message.upsert",
		InstanceID: msg.InstanceID,
		Timestamp:  time.Now(),
		Payload:    msg,
	})

	url := n.defaultURL
	if n.urls != nil {
		if u := n.urls.WebhookURL(msg.InstanceID); u != "" {
			url = u
		}
	}
	if url == "" {
		return
	}
	if err := n.post(ctx, url, msg); err != nil {
		n.logger.Warn("webhook delivery failed",
			zap.String("instance_id", msg.InstanceID),
			zap.String("msg_id", msg.MsgID),
			zap.String("url", url),
			zap.Error(err))
	}
}

func (n *Notifier) post(ctx context.Context, url string, msg *store.Message) error {
	env := Envelope{
		Event:      "messages.upsert",
		InstanceID: msg.InstanceID,
		Data: Data{
			FromMe: msg.Direction == store.DirectionOutbound,
			Key: Key{
				RemoteJID: msg.ChatID,
				ID:        msg.MsgID,
			},
			Message: Content{
				Type:          msg.MessageType,
				Text:          msg.Body,
				MediaURL:      msg.MediaURL,
				MediaFileName: msg.MediaFileName,
				MediaMimeType: msg.MediaMimeType,
				ViewOnce:      msg.ViewOnce,
				SenderName:    msg.SenderName,
				SenderPhone:   msg.SenderPhone,
			},
			MessageTimestamp: msg.Timestamp,
		},
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}
