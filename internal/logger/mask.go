package logger

import (
	"net/http"
	"strings"
)

var sensitiveHeaders = map[string]bool{
	"authorization":        true,
	"cookie":               true,
	"stripe-signature":     true,
	"x-razorpay-signature": true,
	"x-api-key":            true,
}

// MaskHeaders returns a copy of headers with credentials and signatures masked.
func MaskHeaders(headers http.Header) map[string]string {
	masked := make(map[string]string, len(headers))
	for key, values := range headers {
		joined := strings.Join(values, ",")
		if sensitiveHeaders[strings.ToLower(strings.TrimSpace(key))] {
			masked[key] = MaskSecret(joined)
			continue
		}
		masked[key] = joined
	}
	return masked
}

// MaskSecret keeps the last four characters. A bearer scheme prefix is preserved.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return "Bearer " + maskLast4(parts[1])
	}
	return maskLast4(value)
}

func maskLast4(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
