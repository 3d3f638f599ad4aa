package notifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SignatureHeaders contains the alert signature headers.
// Follows the timestamp-bound HMAC pattern used by major webhook providers.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Headers returns the signature headers as a map for HTTP header setting.
func (s SignatureHeaders) Headers() map[string]string {
	return map[string]string{
		"X-Alert-Signature": s.Signature,
		"X-Alert-Timestamp": strconv.FormatInt(s.Timestamp, 10),
		"X-Alert-ID":        s.ID,
	}
}

// SignPayload creates an HMAC-SHA256 signature for alert authentication.
// Signature format: HMAC-SHA256(secret, timestamp + "." + payload); the
// timestamp binding prevents replay.
func SignPayload(secret string, payload []byte) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}

	timestamp := time.Now().Unix()
	id := uuid.New().String()

	signaturePayload := fmt.Sprintf("%d.%s", timestamp, payload)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signaturePayload))
	signature := hex.EncodeToString(h.Sum(nil))

	return SignatureHeaders{
		Signature: signature,
		Timestamp: timestamp,
		ID:        id,
	}, nil
}

// VerifySignature validates alert authenticity. Uses constant-time comparison
// and a timestamp window check.
func VerifySignature(secret string, payload []byte, headers SignatureHeaders, maxAge time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	if headers.Signature == "" {
		return fmt.Errorf("%w: signature is missing", ErrInvalidConfiguration)
	}

	if maxAge > 0 {
		age := time.Since(time.Unix(headers.Timestamp, 0))
		if age > maxAge {
			return fmt.Errorf("%w: signature timestamp too old: %v", ErrInvalidConfiguration, age)
		}
		// Allow reasonable clock skew but reject far-future timestamps
		if age < -1*time.Minute {
			return fmt.Errorf("%w: signature timestamp is in the future", ErrInvalidConfiguration)
		}
	}

	signaturePayload := fmt.Sprintf("%d.%s", headers.Timestamp, payload)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signaturePayload))
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(headers.Signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidConfiguration)
	}

	return nil
}
