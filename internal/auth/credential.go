// Package auth manages Kiro OAuth credentials: loading them from a
// source, refreshing them before expiry, and handing out access tokens.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Auth methods recognized in credential files. Social accounts refresh
// against the Kiro desktop endpoint, IdC accounts against AWS SSO OIDC.
const (
	AuthMethodSocial = "social"
	AuthMethodIDC    = "idc"
)

// ErrNoRefreshToken is returned when a credential cannot be refreshed
// because it carries no refresh token.
var ErrNoRefreshToken = errors.New("credential has no refresh token")

// Credential is one account's OAuth state.
type Credential struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token expiry. The zero value means the
	// expiry is unknown and the token is treated as always expiring.
	ExpiresAt  time.Time
	ProfileARN string
	Region     string
	AuthMethod string
	// ClientID and ClientSecret are required for IdC refresh.
	ClientID     string
	ClientSecret string
}

// ExpiringSoon reports whether the access token expires within margin.
// An unknown expiry always counts as expiring.
func (c *Credential) ExpiringSoon(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) < margin
}

// IsIDC reports whether the credential refreshes via AWS SSO OIDC.
// The auth kind follows from the presence of client credentials, which
// only IdC registrations carry; an explicit auth method overrides.
func (c *Credential) IsIDC() bool {
	if c.AuthMethod != "" {
		return c.AuthMethod != AuthMethodSocial
	}
	return c.ClientID != "" && c.ClientSecret != ""
}

// Fingerprint derives a stable machine identifier from the credential's
// non-secret identity. It never exposes token material.
func (c *Credential) Fingerprint() string {
	seed := c.ProfileARN + "|" + c.AuthMethod + "|" + c.Region
	if seed == "||" {
		seed = "KIRO_DEFAULT_MACHINE"
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:32]
}

// credentialFile mirrors the on-disk kiro auth token JSON. Kiro and its
// forks disagree on field casing, so both spellings are accepted.
type credentialFile struct {
	AccessToken       string `json:"accessToken"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshToken      string `json:"refreshToken"`
	RefreshTokenSnake string `json:"refresh_token"`
	ExpiresAt         string `json:"expiresAt"`
	ExpiresAtSnake    string `json:"expires_at"`
	ProfileARN        string `json:"profileArn"`
	ProfileARNSnake   string `json:"profile_arn"`
	Region            string `json:"region"`
	AuthMethod        string `json:"authMethod"`
	AuthMethodSnake   string `json:"auth_method"`
	Provider          string `json:"provider"`
	ClientID          string `json:"clientId"`
	ClientIDSnake     string `json:"client_id"`
	ClientSecret      string `json:"clientSecret"`
	ClientSecretSnake string `json:"client_secret"`
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseCredential parses a kiro auth token JSON document.
func ParseCredential(data []byte) (*Credential, error) {
	var f credentialFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse credential JSON: %w", err)
	}

	cred := &Credential{
		AccessToken:  pick(f.AccessToken, f.AccessTokenSnake),
		RefreshToken: pick(f.RefreshToken, f.RefreshTokenSnake),
		ProfileARN:   pick(f.ProfileARN, f.ProfileARNSnake),
		Region:       f.Region,
		AuthMethod:   normalizeAuthMethod(pick(f.AuthMethod, f.AuthMethodSnake, f.Provider)),
		ClientID:     pick(f.ClientID, f.ClientIDSnake),
		ClientSecret: pick(f.ClientSecret, f.ClientSecretSnake),
	}

	if raw := pick(f.ExpiresAt, f.ExpiresAtSnake); raw != "" {
		if t, err := ParseExpiry(raw); err == nil {
			cred.ExpiresAt = t
		}
		// Unparseable expiry stays zero and forces an early refresh.
	}

	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, errors.New("credential has neither access token nor refresh token")
	}
	return cred, nil
}

func normalizeAuthMethod(method string) string {
	switch strings.ToLower(method) {
	case "", AuthMethodSocial, "builderid", "builder-id":
		return AuthMethodSocial
	default:
		return AuthMethodIDC
	}
}

// ParseExpiry parses an expiry timestamp string. ISO 8601 with or
// without fractional seconds is accepted.
func ParseExpiry(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05.000Z", raw)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse expiry %q: %w", raw, err)
	}
	return t, nil
}

// MarshalFile serializes the credential back into the on-disk JSON shape.
func (c *Credential) MarshalFile() ([]byte, error) {
	f := credentialFile{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ProfileARN:   c.ProfileARN,
		Region:       c.Region,
		AuthMethod:   c.AuthMethod,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}
	if !c.ExpiresAt.IsZero() {
		f.ExpiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return json.MarshalIndent(f, "", "  ")
}
