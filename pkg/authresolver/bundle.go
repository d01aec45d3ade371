package authresolver

import "time"

// Bundle is a resolved credential. It is either a *BearerBundle (token
// family) or a *ProjectBundle (OAuth family).
type Bundle interface {
	ProviderName() string
	// AuthorizationHeader returns the value for an outbound Authorization header.
	AuthorizationHeader() string
	bundle()
}

// BearerBundle is returned for token-family providers.
type BearerBundle struct {
	Provider    string `json:"provider"`
	BearerToken string `json:"bearerToken"`
}

func (b *BearerBundle) ProviderName() string        { return b.Provider }
func (b *BearerBundle) AuthorizationHeader() string { return "Bearer " + b.BearerToken }
func (*BearerBundle) bundle()                       {}

// ProjectBundle is returned for OAuth-family providers.
type ProjectBundle struct {
	Provider  string    `json:"provider"`
	Token     string    `json:"token"`
	ProjectID string    `json:"projectId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (b *ProjectBundle) ProviderName() string        { return b.Provider }
func (b *ProjectBundle) AuthorizationHeader() string { return "Bearer " + b.Token }
func (*ProjectBundle) bundle()                       {}
