package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/util"
)

// Event types emitted over the OTP lifecycle.
const (
	EventIssued             = "otp_issued"
	EventDeliveryFailed     = "otp_delivery_failed"
	EventVerified           = "otp_verified"
	EventVerificationFailed = "otp_verification_failed"
	EventLockedOut          = "otp_locked_out"
	EventRateLimited        = "otp_rate_limited"
	EventBlacklistReleased  = "otp_blacklist_released"
)

// Event is a single OTP lifecycle occurrence. Identifier values never appear
// here, only their hashes.
type Event struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	IdentifierHash string    `json:"identifier_hash"`
	IdentifierType string    `json:"identifier_type"`
	Purpose        string    `json:"purpose"`
	Provider       string    `json:"provider,omitempty"`
	RequesterIP    string    `json:"requester_ip,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Recorder publishes lifecycle events. Recording is best effort and must
// never fail a request.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// NoopRecorder drops every event.
type NoopRecorder struct{}

func (NoopRecorder) Record(ctx context.Context, event Event) {}

// MultiRecorder fans an event out to every configured sink.
type MultiRecorder struct {
	recorders []Recorder
}

func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

func (m *MultiRecorder) Record(ctx context.Context, event Event) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	for _, r := range m.recorders {
		r.Record(ctx, event)
	}
}

// KafkaRecorder publishes events to the OTP lifecycle topic keyed by
// identifier hash so one identifier's events stay ordered.
type KafkaRecorder struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaRecorder(producer *client.KafkaProducer, topic string) *KafkaRecorder {
	return &KafkaRecorder{
		producer: producer,
		topic:    topic,
	}
}

func (r *KafkaRecorder) Record(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to marshal lifecycle event", zap.Error(err))
		return
	}

	headers := map[string]string{
		"event_type": event.EventType,
	}

	if err := r.producer.ProduceMessage(ctx, r.topic, []byte(event.IdentifierHash), payload, headers); err != nil {
		util.Warn("Failed to publish lifecycle event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

// ClickHouseRecorder writes every event into the attempt analytics table.
type ClickHouseRecorder struct {
	client *client.ClickHouseClient
}

func NewClickHouseRecorder(ch *client.ClickHouseClient) *ClickHouseRecorder {
	return &ClickHouseRecorder{client: ch}
}

func (r *ClickHouseRecorder) Record(ctx context.Context, event Event) {
	err := r.client.Exec(ctx, `
		INSERT INTO otp_events (
			event_id, event_type, identifier_hash, identifier_type,
			purpose, provider, requester_ip, attempts, detail, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.EventType, event.IdentifierHash, event.IdentifierType,
		event.Purpose, event.Provider, event.RequesterIP, event.Attempts,
		event.Detail, event.OccurredAt)

	if err != nil {
		util.Warn("Failed to record analytics event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

// securityEventTypes are the events worth surfacing in the security index.
var securityEventTypes = map[string]bool{
	EventLockedOut:         true,
	EventRateLimited:       true,
	EventBlacklistReleased: true,
}

// ESRecorder indexes security-relevant events for investigation tooling.
type ESRecorder struct {
	client *client.ESClient
	index  string
}

func NewESRecorder(es *client.ESClient, index string) *ESRecorder {
	return &ESRecorder{
		client: es,
		index:  index,
	}
}

func (r *ESRecorder) Record(ctx context.Context, event Event) {
	if !securityEventTypes[event.EventType] {
		return
	}

	res, err := r.client.IndexDocument(r.index, event.EventID, event)
	if err != nil {
		util.Warn("Failed to index security event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		util.Warn("Security event rejected by Elasticsearch",
			zap.String("event_type", event.EventType),
			zap.String("status", res.Status()))
	}
}
