package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header names follow the django-webhook delivery convention of the upstream
const (
	HeaderSignature = "Django-Webhook-Signature-v1"
	HeaderTimestamp = "Django-Webhook-Request-Timestamp"
)

// VerifySignature checks an inbound delivery against the shared secret.
// The signature header may carry several comma-separated signatures (one per
// active secret upstream); the delivery is accepted if any of them matches
// the HMAC-SHA256 digest of "timestamp:body".
func VerifySignature(secret, timestamp, signatureHeader string, body []byte) bool {
	if secret == "" || timestamp == "" || signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range strings.Split(signatureHeader, ",") {
		if hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
			return true
		}
	}
	return false
}
