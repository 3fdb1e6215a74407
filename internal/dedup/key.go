package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultBucket matches the extension's heartbeat cadence.
const DefaultBucket = 30 * time.Second

// DeriveKey returns a stable key for a heartbeat. Timestamps inside the same
// bucket collapse to one key, so a client retry with a slightly different
// clock reading is still recognised. The key is a hex SHA-256 to keep a fixed length.
func DeriveKey(viewerID, channelID string, ts time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	start := ts.UTC().Truncate(bucket).Unix()
	composite := fmt.Sprintf("heartbeat|%q|%q|%d", viewerID, channelID, start)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}

// EventKey namespaces a webhook message id so it can share the dedup table with heartbeats.
func EventKey(messageID string) string {
	return "eventsub:" + messageID
}
