package logging

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

const fingerprintLen = 16

// Fingerprint returns a short stable digest of a payload so log lines and
// audit records can reference it without recording the payload itself.
func Fingerprint(payload string) string {
	if payload == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
