package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"viewer-stats/internal/aggregate"
	"viewer-stats/internal/model"
)

var msgTime = time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)

func envelope(sub, event string) model.NotificationEnvelope {
	return model.NotificationEnvelope{
		MessageID:        "msg-1",
		MessageTimestamp: msgTime,
		SubscriptionType: sub,
		Event:            json.RawMessage(event),
	}
}

func TestTranslateChatMessage(t *testing.T) {
	u, err := Translate(envelope(SubChatMessage, `{"broadcaster_user_id":"b1","chatter_user_id":"u1","message":{"text":"hi"}}`))
	require.NoError(t, err)
	require.Equal(t, aggregate.KindMessage, u.Kind)
	require.Equal(t, "u1", u.ViewerID)
	require.Equal(t, "b1", u.ChannelID)
	require.EqualValues(t, 1, u.Messages)
	require.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), u.Day)
	require.Equal(t, SubChatMessage, u.Source)
}

func TestTranslateFollowUsesFollowedAt(t *testing.T) {
	u, err := Translate(envelope(SubFollow, `{"user_id":"u1","broadcaster_user_id":"b1","followed_at":"2024-05-02T00:00:05Z"}`))
	require.NoError(t, err)
	require.Equal(t, aggregate.KindActivity, u.Kind)
	require.Equal(t, time.Date(2024, 5, 2, 0, 0, 5, 0, time.UTC), u.OccurredAt)
	require.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), u.Day)
}

func TestTranslateSubscribe(t *testing.T) {
	u, err := Translate(envelope(SubSubscribe, `{"user_id":"u1","broadcaster_user_id":"b1","tier":"1000"}`))
	require.NoError(t, err)
	require.Equal(t, aggregate.KindActivity, u.Kind)
	require.Equal(t, msgTime, u.OccurredAt)
	require.Zero(t, u.WatchSeconds)
	require.Zero(t, u.Messages)
}

func TestTranslateErrors(t *testing.T) {
	cases := []struct {
		name string
		env  model.NotificationEnvelope
		want error
	}{
		{"unknown type", envelope("stream.online", `{}`), ErrUnsupported},
		{"anonymous cheer", envelope(SubCheer, `{"is_anonymous":true,"broadcaster_user_id":"b1"}`), ErrUnsupported},
		{"bad json", envelope(SubFollow, `{`), ErrMalformed},
		{"missing chatter", envelope(SubChatMessage, `{"broadcaster_user_id":"b1"}`), ErrMalformed},
		{"no time", model.NotificationEnvelope{SubscriptionType: SubFollow, Event: json.RawMessage(`{"user_id":"u","broadcaster_user_id":"b"}`)}, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Translate(tc.env)
			require.ErrorIs(t, err, tc.want)
		})
	}
}
