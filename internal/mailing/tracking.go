package mailing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Signed-URL helpers for open tracking and unsubscribe links. Tokens are
// truncated HMAC-SHA256 hex digests; truncation keeps URLs short while
// 128 bits remain far beyond guessing range.

const tokenLen = 32

func signToken(secret, purpose string, id uuid.UUID) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s", purpose, id)
	return hex.EncodeToString(mac.Sum(nil))[:tokenLen]
}

// OpenToken signs an open-tracking token for a send log.
func OpenToken(secret string, sendLogID uuid.UUID) string {
	return signToken(secret, "open", sendLogID)
}

// VerifyOpenToken checks an open-tracking token in constant time.
func VerifyOpenToken(secret string, sendLogID uuid.UUID, token string) bool {
	return hmac.Equal([]byte(OpenToken(secret, sendLogID)), []byte(token))
}

// UnsubscribeToken signs an unsubscribe token for a lead.
func UnsubscribeToken(secret string, leadID uuid.UUID) string {
	return signToken(secret, "unsubscribe", leadID)
}

// VerifyUnsubscribeToken checks an unsubscribe token in constant time.
func VerifyUnsubscribeToken(secret string, leadID uuid.UUID, token string) bool {
	return hmac.Equal([]byte(UnsubscribeToken(secret, leadID)), []byte(token))
}

// OpenPixelURL builds the tracking-pixel URL for a send log.
func OpenPixelURL(baseURL, secret string, sendLogID uuid.UUID) string {
	return fmt.Sprintf("%s/t/open/%s?sig=%s",
		strings.TrimRight(baseURL, "/"), sendLogID, OpenToken(secret, sendLogID))
}

// UnsubscribeURL builds the signed unsubscribe URL for a lead.
func UnsubscribeURL(baseURL, secret string, leadID uuid.UUID) string {
	return fmt.Sprintf("%s/unsubscribe/%s?token=%s",
		strings.TrimRight(baseURL, "/"), leadID, UnsubscribeToken(secret, leadID))
}

// InjectTrackingPixel appends a 1x1 tracking image to an HTML body,
// placing it just before the closing body tag when one exists.
func InjectTrackingPixel(html, pixelURL string) string {
	tag := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`, pixelURL)
	lower := strings.ToLower(html)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return html[:idx] + tag + html[idx:]
	}
	return html + tag
}
