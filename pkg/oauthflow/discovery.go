package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

var codeAssistMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// PlaceholderProject is the project id used when discovery finds nothing.
func PlaceholderProject(provider string) string {
	return "authkeeper-" + provider + "-default"
}

// fetchEmail looks up the account email. Failures yield "".
func (e *Engine) fetchEmail(ctx context.Context, pc ProviderConfig, access string) string {
	if pc.UserInfoURL == "" {
		return ""
	}
	body, ok := e.call(ctx, http.MethodGet, pc.UserInfoURL, access, nil)
	if !ok {
		return ""
	}
	return gjson.GetBytes(body, "email").String()
}

// discoverProject tries the configured override, then loadCodeAssist, then
// onboardUser, and finally falls back to a placeholder. It never fails.
func (e *Engine) discoverProject(ctx context.Context, pc ProviderConfig, access string) string {
	if pc.ProjectID != "" {
		return pc.ProjectID
	}

	tierID := "free-tier"
	if pc.LoadAssistURL != "" {
		if body, ok := e.call(ctx, http.MethodPost, pc.LoadAssistURL, access, map[string]any{
			"metadata": codeAssistMetadata,
		}); ok {
			if id := projectFrom(gjson.GetBytes(body, "cloudaicompanionProject")); id != "" {
				return id
			}
			gjson.GetBytes(body, "allowedTiers").ForEach(func(_, tier gjson.Result) bool {
				if tier.Get("isDefault").Bool() && tier.Get("id").String() != "" {
					tierID = tier.Get("id").String()
					return false
				}
				return true
			})
		}
	}

	if pc.OnboardURL != "" {
		if body, ok := e.call(ctx, http.MethodPost, pc.OnboardURL, access, map[string]any{
			"tierId":   tierID,
			"metadata": codeAssistMetadata,
		}); ok {
			if id := projectFrom(gjson.GetBytes(body, "response.cloudaicompanionProject")); id != "" {
				return id
			}
			if id := projectFrom(gjson.GetBytes(body, "cloudaicompanionProject")); id != "" {
				return id
			}
		}
	}

	e.logger.Debug("project discovery fell back to placeholder", zap.String("provider", pc.Name))
	return PlaceholderProject(pc.Name)
}

// projectFrom accepts either a bare project id or an object with an id.
func projectFrom(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsObject() {
		return v.Get("id").String()
	}
	return ""
}

func (e *Engine) call(ctx context.Context, method, url, access string, payload any) ([]byte, bool) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, false
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Debug("enrichment call failed", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Debug("enrichment call failed", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, false
	}
	return data, true
}
