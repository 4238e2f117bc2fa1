// Package pipeline turns raw transport message events into durable,
// deduplicated, normalized records: dedup, normalize, media-resolve,
// persist, fan-out, in that order.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/mvbarbosa/warelay/internal/dedup"
	"github.com/mvbarbosa/warelay/internal/media"
	"github.com/mvbarbosa/warelay/internal/store"
	"github.com/mvbarbosa/warelay/internal/wa"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// FetcherSource resolves the media fetcher for an instance. Implemented
// by the session registry: only live sessions can download media.
type FetcherSource interface {
	Fetcher(instanceID string) (media.Fetcher, bool)
}

// Notifier is the fan-out sink. It must absorb its own failures.
type Notifier interface {
	Notify(ctx context.Context, msg *store.Message)
}

// Engine orchestrates ingestion of one transport event at a time. It is
// safe for concurrent use across instances; in-flight work per instance
// is bounded by a fixed-size semaphore, so a burst blocks the transport
// callback instead of growing memory without limit.
type Engine struct {
	db       *store.DB
	cache    *dedup.Cache
	resolver *media.Resolver
	notifier Notifier
	fetchers FetcherSource
	logger   *zap.Logger

	maxInflight int
	mu          sync.Mutex
	sems        map[string]chan struct{}
}

// NewEngine creates a pipeline engine.
func NewEngine(db *store.DB, cache *dedup.Cache, resolver *media.Resolver, notifier Notifier, fetchers FetcherSource, maxInflight int, logger *zap.Logger) *Engine {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Engine{
		db:          db,
		cache:       cache,
		resolver:    resolver,
		notifier:    notifier,
		fetchers:    fetchers,
		logger:      logger,
		maxInflight: maxInflight,
		sems:        make(map[string]chan struct{}),
	}
}

// Ingest processes one message event end to end. The only error it
// returns is a persistence failure; everything upstream of persistence
// degrades and everything downstream is best-effort. A duplicate
// delivery is absorbed silently.
func (e *Engine) Ingest(ctx context.Context, instanceID string, evt *events.Message) error {
	sem := e.sem(instanceID)
	sem <- struct{}{}
	defer func() { <-sem }()

	msgID := evt.Info.ID
	inbound := !evt.Info.IsFromMe

	// Outbound (self-sent) messages bypass dedup: the cache exists to
	// absorb transport redeliveries of inbound events. The cache key is
	// instance-qualified: message ids are sender-generated and identical
	// for every recipient, so two instances sharing a chat receive the
	// same id for deliveries that are both real.
	if inbound {
		key := dedupKey(instanceID, msgID)
		if e.cache.Seen(key) {
			return nil
		}
		e.cache.Record(key)
	}

	n := wa.Normalize(evt.Message)
	msg := e.buildMessage(instanceID, evt, n)

	if n.HasMedia() {
		e.resolveMedia(ctx, instanceID, msgID, n, msg)
	}

	inserted, err := e.db.InsertMessage(msg)
	if err != nil {
		e.logger.Error("message lost: persistence failed",
			zap.String("instance_id", instanceID),
			zap.String("chat_id", msg.ChatID),
			zap.String("msg_id", msgID),
			zap.Error(err))
		return fmt.Errorf("persist message: %w", err)
	}
	if !inserted {
		// Redelivery past the dedup window; the unique index caught it.
		// No rollup update, no fan-out.
		return nil
	}

	if err := e.db.UpsertChatRollup(e.buildRollup(instanceID, evt, n), inbound); err != nil {
		e.logger.Error("chat rollup update failed",
			zap.String("instance_id", instanceID),
			zap.String("chat_id", msg.ChatID),
			zap.String("msg_id", msgID),
			zap.Error(err))
		return fmt.Errorf("persist rollup: %w", err)
	}

	e.notifier.Notify(ctx, msg)
	return nil
}

func (e *Engine) buildMessage(instanceID string, evt *events.Message, n *wa.Normalized) *store.Message {
	direction := store.DirectionInbound
	if evt.Info.IsFromMe {
		direction = store.DirectionOutbound
	}

	meta, _ := json.Marshal(map[string]any{
		"pushName": evt.Info.PushName,
		"sender":   evt.Info.Sender.ToNonAD().String(),
		"chat":     evt.Info.Chat.ToNonAD().String(),
		"server":   evt.Info.Chat.Server,
	})

	return &store.Message{
		InstanceID:  instanceID,
		ChatID:      evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		Direction:   direction,
		SenderName:  evt.Info.PushName,
		SenderPhone: evt.Info.Sender.ToNonAD().User,
		Body:        n.Text,
		MessageType: string(n.Kind),
		ViewOnce:    n.ViewOnce,
		RawMetadata: string(meta),
		Timestamp:   evt.Info.Timestamp.UTC().UnixMilli(),
	}
}

func (e *Engine) resolveMedia(ctx context.Context, instanceID, msgID string, n *wa.Normalized, msg *store.Message) {
	fetcher, ok := e.fetchers.Fetcher(instanceID)
	if !ok {
		// Session gone between event delivery and ingestion; the
		// message persists text-only.
		e.logger.Warn("no live session for media fetch, degrading to text",
			zap.String("instance_id", instanceID),
			zap.String("msg_id", msgID))
		return
	}
	res := e.resolver.Resolve(ctx, fetcher, instanceID, msgID, n.Media)
	if !res.Success {
		e.logger.Warn("media resolution failed, degrading to text",
			zap.String("instance_id", instanceID),
			zap.String("msg_id", msgID),
			zap.Error(res.Err))
		return
	}
	msg.MediaURL = res.URL
	msg.MediaFileName = res.FileName
	msg.MediaMimeType = res.MimeType
}

func (e *Engine) buildRollup(instanceID string, evt *events.Message, n *wa.Normalized) *store.Chat {
	isGroup := evt.Info.Chat.Server == types.GroupServer

	name := ""
	if !evt.Info.IsFromMe && !isGroup {
		name = evt.Info.PushName
	}

	preview := n.Text
	if preview == "" && n.Kind != wa.KindText {
		preview = "[" + string(n.Kind) + "]"
	}

	return &store.Chat{
		InstanceID:         instanceID,
		ChatID:             evt.Info.Chat.ToNonAD().String(),
		Name:               name,
		IsGroup:            isGroup,
		LastMessagePreview: truncate(preview, 100),
		LastMessageAt:      evt.Info.Timestamp.UTC().UnixMilli(),
	}
}

func (e *Engine) sem(instanceID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	sem, ok := e.sems[instanceID]
	if !ok {
		sem = make(chan struct{}, e.maxInflight)
		e.sems[instanceID] = sem
	}
	return sem
}

func dedupKey(instanceID, msgID string) string {
	return instanceID + "|" + msgID
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
