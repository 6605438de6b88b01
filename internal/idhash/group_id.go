package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeGroupID computes a deterministic group identifier using SHA256.
// Formula: SHA256(location|event_type|reference|timestamp_ms)
// Returns hex-encoded hash (64 characters).
//
// Upstream producers key multi-leg events of one operation this way, so
// fixtures and synthetic events use the same derivation.
func ComputeGroupID(location, eventType, reference string, timestampMS int64) string {
	data := fmt.Sprintf("%s|%s|%s|%d", location, eventType, reference, timestampMS)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
