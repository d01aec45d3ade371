package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExpiryBuffer is subtracted from every expiry before a credential is
// considered usable.
const ExpiryBuffer = 60 * time.Second

// Type tags the Profile variant on disk.
type Type string

const (
	TypeToken Type = "token"
	TypeOAuth Type = "oauth"
)

// ErrWrongProfileType is returned by the typed getters when the stored
// profile is of the other variant.
var ErrWrongProfileType = errors.New("stored profile has a different type")

// Profile is one account's stored secret material for one provider. It is
// implemented only by *TokenProfile and *OAuthProfile.
type Profile interface {
	Type() Type
	profile()
}

// TokenProfile holds a long-lived personal token.
type TokenProfile struct {
	Token     string `json:"token"`
	Email     string `json:"email,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (*TokenProfile) Type() Type { return TypeToken }
func (*TokenProfile) profile()   {}

// MarshalJSON adds the type tag.
func (p *TokenProfile) MarshalJSON() ([]byte, error) {
	type plain TokenProfile
	return json.Marshal(struct {
		Type Type `json:"type"`
		*plain
	}{TypeToken, (*plain)(p)})
}

// OAuthProfile holds an access/refresh token pair and the discovered project.
type OAuthProfile struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	Expires   int64  `json:"expires"`
	ProjectID string `json:"projectId"`
	Email     string `json:"email,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (*OAuthProfile) Type() Type { return TypeOAuth }
func (*OAuthProfile) profile()   {}

// MarshalJSON adds the type tag.
func (p *OAuthProfile) MarshalJSON() ([]byte, error) {
	type plain OAuthProfile
	return json.Marshal(struct {
		Type Type `json:"type"`
		*plain
	}{TypeOAuth, (*plain)(p)})
}

// ExpiresAt returns the access token expiry.
func (p *OAuthProfile) ExpiresAt() time.Time {
	return time.UnixMilli(p.Expires)
}

// Fresh reports whether the access token stays valid for longer than
// ExpiryBuffer after now.
func (p *OAuthProfile) Fresh(now time.Time) bool {
	return p.Access != "" && now.Add(ExpiryBuffer).Before(p.ExpiresAt())
}

// Store is the whole persisted credential file.
type Store struct {
	Profiles map[string]Profile
	Order    map[string][]string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		Profiles: make(map[string]Profile),
		Order:    make(map[string][]string),
	}
}

type storeFile struct {
	Profiles map[string]json.RawMessage `json:"profiles"`
	Order    map[string][]string        `json:"order"`
}

// MarshalJSON encodes the store as {"profiles": {...}, "order": {...}}.
func (s *Store) MarshalJSON() ([]byte, error) {
	out := struct {
		Profiles map[string]Profile  `json:"profiles"`
		Order    map[string][]string `json:"order"`
	}{
		Profiles: s.Profiles,
		Order:    s.Order,
	}
	if out.Profiles == nil {
		out.Profiles = map[string]Profile{}
	}
	if out.Order == nil {
		out.Order = map[string][]string{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes tagged profiles. Profiles without a tag are
// classified by the presence of an access token.
func (s *Store) UnmarshalJSON(data []byte) error {
	var raw storeFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decoded := NewStore()
	for id, msg := range raw.Profiles {
		p, err := decodeProfile(msg)
		if err != nil {
			return fmt.Errorf("profile %q: %w", id, err)
		}
		decoded.Profiles[id] = p
	}
	for provider, ids := range raw.Order {
		decoded.Order[provider] = append([]string(nil), ids...)
	}

	*s = *decoded
	return nil
}

func decodeProfile(msg json.RawMessage) (Profile, error) {
	var tag struct {
		Type   Type   `json:"type"`
		Access string `json:"access"`
	}
	if err := json.Unmarshal(msg, &tag); err != nil {
		return nil, err
	}

	kind := tag.Type
	if kind == "" {
		kind = TypeToken
		if tag.Access != "" {
			kind = TypeOAuth
		}
	}

	switch kind {
	case TypeToken:
		var p TokenProfile
		if err := json.Unmarshal(msg, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeOAuth:
		var p OAuthProfile
		if err := json.Unmarshal(msg, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown profile type %q", kind)
	}
}
