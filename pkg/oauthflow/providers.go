package oauthflow

import (
	"github.com/papercomputeco/authkeeper/pkg/config"
	"github.com/papercomputeco/authkeeper/pkg/providers"
)

const (
	codeAssistBase      = "https://cloudcode-pa.googleapis.com/v1internal"
	googleAuthURL       = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL      = "https://oauth2.googleapis.com/token"
	googleUserInfoURL   = "https://www.googleapis.com/oauth2/v1/userinfo?alt=json"
	geminiClientID      = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	antigravityClientID = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
)

// ProviderConfig is the static registration of one OAuth provider. Port 0
// binds an ephemeral port, and the redirect URI follows the bound port.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Port         int
	CallbackPath string
	Scopes       []string

	UserInfoURL   string
	LoadAssistURL string
	OnboardURL    string

	// ProjectID short-circuits project discovery when set.
	ProjectID string
}

// GeminiCLI returns the google-gemini-cli registration.
func GeminiCLI() ProviderConfig {
	return ProviderConfig{
		Name:         providers.GoogleGeminiCLI,
		ClientID:     geminiClientID,
		AuthURL:      googleAuthURL,
		TokenURL:     googleTokenURL,
		Port:         8085,
		CallbackPath: "/oauth2callback",
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		UserInfoURL:   googleUserInfoURL,
		LoadAssistURL: codeAssistBase + ":loadCodeAssist",
		OnboardURL:    codeAssistBase + ":onboardUser",
	}
}

// Antigravity returns the google-antigravity registration.
func Antigravity() ProviderConfig {
	return ProviderConfig{
		Name:         providers.GoogleAntigravity,
		ClientID:     antigravityClientID,
		AuthURL:      googleAuthURL,
		TokenURL:     googleTokenURL,
		Port:         51121,
		CallbackPath: "/oauth-callback",
		Scopes: []string{
			"https://www.googleapis.com/auth/cloud-platform",
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
			"https://www.googleapis.com/auth/cclog",
			"https://www.googleapis.com/auth/experimentsandconfigs",
		},
		UserInfoURL:   googleUserInfoURL,
		LoadAssistURL: codeAssistBase + ":loadCodeAssist",
		OnboardURL:    codeAssistBase + ":onboardUser",
	}
}

// DefaultProviders returns both OAuth registrations with client id, client
// secret, and project overrides from cfg (file and environment) applied.
func DefaultProviders(cfg *config.Config) []ProviderConfig {
	out := []ProviderConfig{GeminiCLI(), Antigravity()}
	for i := range out {
		override := cfg.Client(out[i].Name)
		if override.ClientID != "" {
			out[i].ClientID = override.ClientID
		}
		if override.ClientSecret != "" {
			out[i].ClientSecret = override.ClientSecret
		}
		out[i].ProjectID = override.ProjectID
	}
	return out
}
