package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/model"
)

// Subscription types the aggregator understands.
const (
	SubChatMessage = "channel.chat.message"
	SubFollow      = "channel.follow"
	SubSubscribe   = "channel.subscribe"
	SubCheer       = "channel.cheer"
)

var (
	ErrUnsupported = errors.New("unsupported subscription type")
	ErrMalformed   = errors.New("malformed notification")
)

type chatMessageEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	ChatterUserID     string `json:"chatter_user_id"`
}

type userEvent struct {
	BroadcasterUserID string     `json:"broadcaster_user_id"`
	UserID            string     `json:"user_id"`
	IsAnonymous       bool       `json:"is_anonymous"`
	FollowedAt        *time.Time `json:"followed_at"`
}

// Translate maps a verified notification onto an aggregation unit. The
// unit's time is the platform's message timestamp unless the event carries
// its own.
func Translate(env model.NotificationEnvelope) (aggregate.Unit, error) {
	u := aggregate.Unit{Source: env.SubscriptionType, OccurredAt: env.MessageTimestamp.UTC()}
	if u.OccurredAt.IsZero() {
		u.OccurredAt = env.ReceivedAt.UTC()
	}

	switch env.SubscriptionType {
	case SubChatMessage:
		var ev chatMessageEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return u, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		u.Kind = aggregate.KindMessage
		u.ViewerID, u.ChannelID, u.Messages = ev.ChatterUserID, ev.BroadcasterUserID, 1

	case SubFollow, SubSubscribe, SubCheer:
		var ev userEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return u, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.IsAnonymous {
			return u, fmt.Errorf("%w: anonymous %s", ErrUnsupported, env.SubscriptionType)
		}
		u.Kind = aggregate.KindActivity
		u.ViewerID, u.ChannelID = ev.UserID, ev.BroadcasterUserID
		if ev.FollowedAt != nil && !ev.FollowedAt.IsZero() {
			u.OccurredAt = ev.FollowedAt.UTC()
		}

	default:
		return u, fmt.Errorf("%w: %q", ErrUnsupported, env.SubscriptionType)
	}

	if u.ViewerID == "" || u.ChannelID == "" {
		return u, fmt.Errorf("%w: %s without user or broadcaster id", ErrMalformed, env.SubscriptionType)
	}
	if u.OccurredAt.IsZero() {
		return u, fmt.Errorf("%w: no timestamp", ErrMalformed)
	}
	u.Day = model.Day(u.OccurredAt)
	return u, nil
}
