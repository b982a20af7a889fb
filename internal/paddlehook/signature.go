package paddlehook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

const signatureToleranceSeconds = 300

var (
	ErrMissingSignature   = errors.New("missing webhook signature")
	ErrMalformedSignature = errors.New("malformed webhook signature")
	ErrStaleSignature     = errors.New("webhook signature timestamp out of tolerance")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
)

// verifySignature checks a Paddle-Signature header ("ts=...;h1=...") against
// the raw body. The signed payload is "<ts>:<body>".
func verifySignature(header string, body []byte, secret []byte, nowUnixUTC int64) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	var (
		timestampRaw string
		signatureHex string
	)
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			timestampRaw = value
		case "h1":
			signatureHex = value
		}
	}
	if timestampRaw == "" || signatureHex == "" {
		return ErrMalformedSignature
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return ErrMalformedSignature
	}
	delta := nowUnixUTC - timestamp
	if delta < -signatureToleranceSeconds || delta > signatureToleranceSeconds {
		return ErrStaleSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestampRaw))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(signatureHex)
	if err != nil {
		return ErrMalformedSignature
	}
	if !hmac.Equal(expected, provided) {
		return ErrSignatureMismatch
	}
	return nil
}
