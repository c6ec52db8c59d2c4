package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureVersion is the current version of the signature scheme
	SignatureVersion = "v1"

	// SignatureValidityDuration is how long a signature is valid for
	SignatureValidityDuration = 5 * time.Minute
)

// generateSignature generates a webhook signature using HMAC-SHA256.
// Format: v1=timestamp.signature where signature is
// HMAC-SHA256(timestamp.body, secret).
func generateSignature(body []byte, secret string, timestamp time.Time) string {
	ts := fmt.Sprintf("%d", timestamp.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s=%s.%s", SignatureVersion, ts, signature)
}

// VerifySignature verifies a webhook signature against the shared secret.
// Receivers use this to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string, now time.Time) error {
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid signature format")
	}

	version := parts[0]
	if version != SignatureVersion {
		return fmt.Errorf("unsupported signature version: %s", version)
	}

	parts = strings.SplitN(parts[1], ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid signature format")
	}

	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %v", err)
	}
	timestamp := time.Unix(ts, 0)

	age := now.Sub(timestamp)
	if age < -SignatureValidityDuration || age > SignatureValidityDuration {
		return fmt.Errorf("signature timestamp too old or too far in future")
	}

	expectedSignature := generateSignature(body, secret, timestamp)
	if !hmac.Equal([]byte(signature), []byte(expectedSignature)) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}
