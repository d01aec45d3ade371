package authresolver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/papercomputeco/authkeeper/pkg/autherr"
)

const maxMessageLen = 200

var modelUnavailableHints = []string{
	"model not found",
	"model_not_found",
	"unknown model",
	"unsupported model",
	"model is not supported",
	"does not exist",
}

// ClassifyUpstream maps an upstream AI provider response to the error
// taxonomy. It returns nil for 2xx responses. Statuses with no matching kind
// yield an untyped error.
func ClassifyUpstream(provider string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := upstreamMessage(body)
	detail := fmt.Sprintf("upstream returned %d", status)
	if msg != "" {
		detail += ": " + msg
	}

	switch {
	case status == http.StatusUnauthorized:
		return autherr.New(autherr.KindAuthExpired, provider, detail)
	case status == http.StatusForbidden:
		return autherr.New(autherr.KindAccessDenied, provider, detail)
	case status == http.StatusTooManyRequests:
		return autherr.New(autherr.KindQuotaExceeded, provider, detail)
	case status == http.StatusNotFound || mentionsUnknownModel(msg):
		return autherr.New(autherr.KindModelUnavailable, provider, detail)
	case status == http.StatusRequestTimeout || status >= 500:
		return autherr.New(autherr.KindNetworkRetryable, provider, detail)
	default:
		return fmt.Errorf("%s: %s", provider, detail)
	}
}

func upstreamMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}

func mentionsUnknownModel(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "model") {
		return false
	}
	for _, hint := range modelUnavailableHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
