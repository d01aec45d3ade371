// Package providers is the static provider registry: known provider names,
// their authentication family, "provider/model" reference parsing, and the
// fallback model catalog.
package providers

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Family is the authentication protocol a provider uses.
type Family string

const (
	// FamilyToken providers exchange a stored personal token for a runtime token.
	FamilyToken Family = "token"

	// FamilyOAuth providers use authorization code with PKCE and refresh tokens.
	FamilyOAuth Family = "oauth"
)

const (
	GitHubCopilot     = "github-copilot"
	GoogleGeminiCLI   = "google-gemini-cli"
	GoogleAntigravity = "google-antigravity"
)

var (
	// ErrInvalidModelRef is returned for references that are not "provider/model".
	ErrInvalidModelRef = errors.New("model reference must be provider/model")

	// ErrUnknownProvider is returned for provider names outside the registry.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Info describes one registered provider.
type Info struct {
	Name        string
	DisplayName string
	Family      Family
}

var registry = []Info{
	{Name: GitHubCopilot, DisplayName: "GitHub Copilot", Family: FamilyToken},
	{Name: GoogleGeminiCLI, DisplayName: "Gemini CLI", Family: FamilyOAuth},
	{Name: GoogleAntigravity, DisplayName: "Antigravity", Family: FamilyOAuth},
}

// SupportedProviders returns the registered provider names in registry order.
func SupportedProviders() []string {
	out := make([]string, 0, len(registry))
	for _, info := range registry {
		out = append(out, info.Name)
	}
	return out
}

// IsSupportedProvider returns true if provider is registered.
func IsSupportedProvider(provider string) bool {
	return slices.Contains(SupportedProviders(), provider)
}

// Lookup returns the registry entry for provider.
func Lookup(provider string) (Info, bool) {
	for _, info := range registry {
		if info.Name == provider {
			return info, true
		}
	}
	return Info{}, false
}

// ModelRef is a parsed "provider/model" reference.
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string {
	return r.Provider + "/" + r.Model
}

// ParseModelRef splits ref on the first "/". Model ids may themselves contain
// slashes.
func ParseModelRef(ref string) (ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(ref), "/")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("%w: %q", ErrInvalidModelRef, ref)
	}
	if !IsSupportedProvider(provider) {
		return ModelRef{}, fmt.Errorf("%w: %q (supported: %s)",
			ErrUnknownProvider, provider, strings.Join(SupportedProviders(), ", "))
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

//go:embed catalog.yaml
var catalogYAML []byte

var (
	catalogOnce sync.Once
	catalog     map[string][]string
	catalogErr  error
)

func loadCatalog() (map[string][]string, error) {
	catalogOnce.Do(func() {
		catalogErr = yaml.Unmarshal(catalogYAML, &catalog)
		if catalogErr != nil {
			catalogErr = fmt.Errorf("parsing model catalog: %w", catalogErr)
		}
	})
	return catalog, catalogErr
}

// ModelsFor returns a copy of the fallback model catalog for provider.
func ModelsFor(provider string) ([]string, error) {
	if !IsSupportedProvider(provider) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	c, err := loadCatalog()
	if err != nil {
		return nil, err
	}

	return slices.Clone(c[provider]), nil
}
