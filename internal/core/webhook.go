package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gwi.com/persona-chat/internal/cache"
	"gwi.com/persona-chat/internal/metrics"
)

const (
	webhookTable     = "messages"
	webhookEventType = "INSERT"

	dedupeCapacity = 100000
)

// Outcomes recorded for every webhook delivery.
const (
	OutcomeIgnored      = "ignored"
	OutcomeHumanSender  = "human_sender"
	OutcomeSelfAuthored = "self_authored"
	OutcomeDuplicate    = "duplicate"
	OutcomeProcessed    = "processed"
	OutcomeInvalid      = "invalid"
	OutcomeFailed       = "failed"
)

// looseValue holds a raw JSON scalar whose type is only checked when the
// value is actually needed. Change feeds are inconsistent about quoting ids.
type looseValue struct {
	raw json.RawMessage
}

func (v *looseValue) UnmarshalJSON(b []byte) error {
	v.raw = append(v.raw[:0], b...)
	return nil
}

// IsNull reports whether the field was absent or JSON null.
func (v looseValue) IsNull() bool {
	return len(v.raw) == 0 || bytes.Equal(v.raw, []byte("null"))
}

// String returns a JSON string unquoted and any other scalar as written.
func (v looseValue) String() string {
	if v.IsNull() {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.raw, &s); err == nil {
		return s
	}
	return string(v.raw)
}

// Int64 accepts a JSON integer or a string holding one.
func (v looseValue) Int64() (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
}

// WebhookRecord is the inserted row carried by a change event.
type WebhookRecord struct {
	ID              looseValue `json:"id"`
	SenderID        looseValue `json:"sender_id"`
	VirtualSenderID looseValue `json:"virtual_sender_id"`
	ChatRoomID      looseValue `json:"chat_room_id"`
	Content         looseValue `json:"content"`
}

// WebhookEvent is a row-change notification from the message store.
type WebhookEvent struct {
	Type   string        `json:"type"`
	Table  string        `json:"table"`
	Record WebhookRecord `json:"record"`
}

// ParseWebhookEvent decodes a change-event body. Only malformed JSON is
// rejected here; field requirements depend on the event kind.
func ParseWebhookEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, Validation("Invalid payload: body is not a JSON event")
	}
	return &ev, nil
}

type WebhookResult struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome"`
}

// WebhookHandler turns message-insert events addressed to a persona into
// generated replies.
type WebhookHandler struct {
	chat   *ChatService
	seen   *cache.Cache[struct{}]
	logger *zap.Logger
}

// NewWebhookHandler remembers delivered record ids for dedupeTTL so replayed
// events are acknowledged without generating again.
func NewWebhookHandler(chat *ChatService, dedupeTTL time.Duration, logger *zap.Logger) *WebhookHandler {
	if dedupeTTL <= 0 {
		dedupeTTL = 10 * time.Minute
	}
	return &WebhookHandler{
		chat:   chat,
		seen:   cache.New[struct{}](dedupeTTL, dedupeCapacity),
		logger: logger,
	}
}

func (h *WebhookHandler) Close() {
	h.seen.Close()
}

// Handle applies the routing rules in order: other tables and event types are
// acknowledged, human-authored rows are acknowledged without generation, rows
// missing a persona, room or content are rejected, our own replies and
// replays are acknowledged, and everything else is answered by the persona.
func (h *WebhookHandler) Handle(ctx context.Context, ev *WebhookEvent) (*WebhookResult, error) {
	if ev.Table != webhookTable || ev.Type != webhookEventType {
		return h.ack(OutcomeIgnored), nil
	}
	rec := ev.Record
	if !rec.SenderID.IsNull() {
		return h.ack(OutcomeHumanSender), nil
	}

	virtualUserID := rec.VirtualSenderID.String()
	content := rec.Content.String()
	if virtualUserID == "" || rec.ChatRoomID.IsNull() || strings.TrimSpace(content) == "" {
		metrics.WebhookEvents.WithLabelValues(OutcomeInvalid).Inc()
		return nil, Validation("Invalid payload: missing required fields")
	}
	chatRoomID, err := rec.ChatRoomID.Int64()
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(OutcomeInvalid).Inc()
		return nil, Validation("Invalid payload: chat_room_id must be an integer")
	}

	var dedupeKey string
	if !rec.ID.IsNull() {
		if id, err := rec.ID.Int64(); err == nil && h.chat.IsSelfAuthored(id) {
			return h.ack(OutcomeSelfAuthored), nil
		}
		dedupeKey = rec.ID.String()
		if h.seen.CheckAndMark(dedupeKey, struct{}{}) {
			h.logger.Info("Duplicate webhook delivery acknowledged", zap.String("record_id", dedupeKey))
			return h.ack(OutcomeDuplicate), nil
		}
	}

	if _, err := h.chat.processEvent(ctx, chatRoomID, virtualUserID, content); err != nil {
		if dedupeKey != "" {
			// allow the sender to retry
			h.seen.Delete(dedupeKey)
		}
		metrics.WebhookEvents.WithLabelValues(OutcomeFailed).Inc()
		h.logger.Error("Webhook processing failed",
			zap.Int64("chat_room_id", chatRoomID),
			zap.String("virtual_user_id", virtualUserID),
			zap.Error(err))
		return nil, err
	}
	return h.ack(OutcomeProcessed), nil
}

func (h *WebhookHandler) ack(outcome string) *WebhookResult {
	metrics.WebhookEvents.WithLabelValues(outcome).Inc()
	return &WebhookResult{Success: true, Outcome: outcome}
}
