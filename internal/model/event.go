package model

import (
	"encoding/json"
	"time"
)

// HeartbeatType is the only message type the extension emits today.
const HeartbeatType = "HEARTBEAT"

// HeartbeatPayload is the JSON body posted by the browser extension.
type HeartbeatPayload struct {
	Type            string   `json:"type"`
	ViewerID        string   `json:"viewer_id"`
	Channel         string   `json:"channel"`
	TS              int64    `json:"timestamp"` // milliseconds epoch
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// HeartbeatEvent is an untrusted watch-time signal after decoding.
type HeartbeatEvent struct {
	ViewerID        string    `validate:"required,max=128"`
	ChannelID       string    `validate:"required,max=128"`
	Timestamp       time.Time `validate:"required"`
	DurationSeconds float64   `validate:"gt=0"`
}

// ToEvent converts the wire payload, filling the duration with the
// heartbeat cadence when the extension did not send one.
func (p HeartbeatPayload) ToEvent(cadence time.Duration) HeartbeatEvent {
	evt := HeartbeatEvent{
		ViewerID:        p.ViewerID,
		ChannelID:       p.Channel,
		DurationSeconds: cadence.Seconds(),
	}
	if p.TS != 0 {
		evt.Timestamp = time.UnixMilli(p.TS).UTC()
	}
	if p.DurationSeconds != nil {
		evt.DurationSeconds = *p.DurationSeconds
	}
	return evt
}

// NotificationEnvelope is the Kafka message carrying a verified webhook notification.
type NotificationEnvelope struct {
	MessageID        string          `json:"message_id"`
	MessageTimestamp time.Time       `json:"message_timestamp"`
	SubscriptionType string          `json:"subscription_type"`
	Event            json.RawMessage `json:"event"`
	ReceivedAt       time.Time       `json:"received_at"`
}

// ActivityRecord is the denormalized row archived to ClickHouse for every applied unit.
type ActivityRecord struct {
	EventTime    time.Time `json:"event_time"`
	EventDate    time.Time `json:"event_date"`
	Kind         string    `json:"kind"`
	Source       string    `json:"source"`
	ViewerID     string    `json:"viewer_id"`
	ChannelID    string    `json:"channel_id"`
	WatchMinutes float64   `json:"watch_minutes"`
	Messages     int64     `json:"messages"`
	DedupKey     string    `json:"dedup_key"`
	IngestedAt   time.Time `json:"_ingested_at"`
}
