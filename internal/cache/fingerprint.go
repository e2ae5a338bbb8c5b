package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives the deterministic cache key for one (topic, interest,
// style) combination. It is a pure function: identical inputs yield the
// identical key across processes and restarts, which is what makes the
// durable tier survive redeploys.
func Fingerprint(topicID, interest, style string) string {
	topicID = strings.ToLower(strings.TrimSpace(topicID))
	interest = strings.ToLower(strings.TrimSpace(interest))
	style = strings.ToLower(strings.TrimSpace(style))
	if interest == "" {
		interest = "general"
	}
	if style == "" {
		style = "default"
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("topic:%s|interest:%s|style:%s", topicID, interest, style)))
	return hex.EncodeToString(sum[:])
}
