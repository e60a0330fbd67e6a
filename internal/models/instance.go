package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AuthMethod selects how the client authenticates against an instance
type AuthMethod string

const (
	AuthMethodBasic  AuthMethod = "basic"
	AuthMethodOAuth2 AuthMethod = "oauth2"
)

// Instance is a named, addressable HIS endpoint.
// Reachability fields are overwritten by probe operations.
type Instance struct {
	ID      string `json:"id" toml:"id" yaml:"id" badgerhold:"key"`
	Name    string `json:"name" toml:"name" yaml:"name" validate:"required" badgerhold:"unique"`
	BaseURL string `json:"base_url" toml:"base_url" yaml:"base_url" validate:"required,url"`

	Username string `json:"username" toml:"username" yaml:"username"`
	Password string `json:"password,omitempty" toml:"password" yaml:"password"`

	AuthMethod   AuthMethod `json:"auth_method" toml:"auth_method" yaml:"auth_method"`
	TokenURL     string     `json:"token_url,omitempty" toml:"token_url" yaml:"token_url"`
	ClientID     string     `json:"client_id,omitempty" toml:"client_id" yaml:"client_id"`
	ClientSecret string     `json:"client_secret,omitempty" toml:"client_secret" yaml:"client_secret"`

	// Declared or probed server version (e.g. "2.40.1")
	Version string `json:"version,omitempty" toml:"version" yaml:"version"`

	IsSource      bool `json:"is_source" toml:"is_source" yaml:"is_source"`
	IsDestination bool `json:"is_destination" toml:"is_destination" yaml:"is_destination"`

	LastReachable *bool      `json:"last_reachable,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var instanceValidator = validator.New()

// CanonicalBaseURL normalizes a base URL to carry exactly one trailing slash
func CanonicalBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	return trimmed + "/"
}

// Normalize applies base URL canonicalization and auth defaults in place
func (i *Instance) Normalize() {
	i.BaseURL = CanonicalBaseURL(i.BaseURL)
	if i.AuthMethod == "" {
		i.AuthMethod = AuthMethodBasic
	}
}

// Validate checks structural and cross-field rules before save
func (i *Instance) Validate() error {
	if err := instanceValidator.Struct(i); err != nil {
		return fmt.Errorf("instance %q: %w", i.Name, err)
	}
	if _, err := url.Parse(i.BaseURL); err != nil {
		return fmt.Errorf("instance %q: invalid base URL: %w", i.Name, err)
	}
	if !i.IsSource && !i.IsDestination {
		return fmt.Errorf("instance %q must be a source, a destination, or both", i.Name)
	}
	switch i.AuthMethod {
	case AuthMethodBasic, "":
		if i.Username == "" {
			return fmt.Errorf("instance %q: basic auth requires a username", i.Name)
		}
	case AuthMethodOAuth2:
		if i.TokenURL == "" || i.ClientID == "" {
			return fmt.Errorf("instance %q: oauth2 auth requires token_url and client_id", i.Name)
		}
	default:
		return fmt.Errorf("instance %q: unknown auth method %q", i.Name, i.AuthMethod)
	}
	return nil
}

// MarkProbed records the outcome of a reachability probe
func (i *Instance) MarkProbed(reachable bool, version string) {
	now := time.Now()
	i.LastReachable = &reachable
	i.LastCheckedAt = &now
	if reachable && version != "" && i.Version == "" {
		i.Version = version
	}
	i.UpdatedAt = now
}
