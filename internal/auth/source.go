package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source loads a credential from a backing store and persists refreshed
// state back, so a restart does not lose the rotated refresh token.
type Source interface {
	Load(ctx context.Context) (*Credential, error)
	Persist(ctx context.Context, cred *Credential) error
	Name() string
}

// FileSource reads a kiro auth token JSON file and writes refreshed
// credentials back to the same path.
type FileSource struct {
	Path string
}

// Load implements Source.
func (s *FileSource) Load(_ context.Context) (*Credential, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	cred, err := ParseCredential(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return cred, nil
}

// Persist implements Source.
func (s *FileSource) Persist(_ context.Context, cred *Credential) error {
	data, err := cred.MarshalFile()
	if err != nil {
		return err
	}
	return os.WriteFile(s.Path, data, 0o600)
}

// Name implements Source.
func (s *FileSource) Name() string { return s.Path }

// StaticSource wraps an in-memory credential, used when the refresh
// token comes from configuration rather than a file. Persist is a no-op
// because there is nowhere durable to write to.
type StaticSource struct {
	Credential *Credential
}

// Load implements Source.
func (s *StaticSource) Load(_ context.Context) (*Credential, error) {
	if s.Credential == nil {
		return nil, fmt.Errorf("no credential configured")
	}
	c := *s.Credential
	return &c, nil
}

// Persist implements Source.
func (s *StaticSource) Persist(_ context.Context, cred *Credential) error {
	c := *cred
	s.Credential = &c
	return nil
}

// Name implements Source.
func (s *StaticSource) Name() string { return "static" }

// Keys under which the kiro CLI secret store keeps its OAuth state.
// They are fixed strings, not templates.
const (
	redisTokenKey  = "codewhisperer:odic:token"
	redisDeviceKey = "codewhisperer:odic:device-registration"
)

// redisToken mirrors the token document the kiro CLI writes.
type redisToken struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
}

// redisDeviceRegistration mirrors the OIDC device registration document.
type redisDeviceRegistration struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Region       string `json:"region,omitempty"`
}

// RedisSource reads credentials from a Redis-backed kiro CLI secret
// store and writes refreshed tokens back.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource connects to the store at the given URL
// (redis://[:password@]host:port[/db]).
func NewRedisSource(url string) (*RedisSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisSource{rdb: redis.NewClient(opts)}, nil
}

// Load implements Source. The device registration is optional; without
// it the account is treated as social auth.
func (s *RedisSource) Load(ctx context.Context) (*Credential, error) {
	data, err := s.rdb.Get(ctx, redisTokenKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read token from redis: %w", err)
	}

	var tok redisToken
	if err := json.Unmarshal([]byte(data), &tok); err != nil {
		return nil, fmt.Errorf("failed to parse redis token: %w", err)
	}

	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ProfileARN:   tok.ProfileARN,
		Region:       tok.Region,
		AuthMethod:   AuthMethodSocial,
	}
	if tok.ExpiresAt != "" {
		if t, err := ParseExpiry(tok.ExpiresAt); err == nil {
			cred.ExpiresAt = t
		}
	}

	regData, err := s.rdb.Get(ctx, redisDeviceKey).Result()
	if err == nil {
		var reg redisDeviceRegistration
		if err := json.Unmarshal([]byte(regData), &reg); err == nil && reg.ClientID != "" {
			cred.AuthMethod = AuthMethodIDC
			cred.ClientID = reg.ClientID
			cred.ClientSecret = reg.ClientSecret
			if cred.Region == "" {
				cred.Region = reg.Region
			}
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("failed to read device registration from redis: %w", err)
	}

	if cred.AccessToken == "" && cred.RefreshToken == "" {
		return nil, fmt.Errorf("redis credential has neither access token nor refresh token")
	}
	return cred, nil
}

// Persist implements Source.
func (s *RedisSource) Persist(ctx context.Context, cred *Credential) error {
	tok := redisToken{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ProfileARN:   cred.ProfileARN,
		Region:       cred.Region,
	}
	if !cred.ExpiresAt.IsZero() {
		tok.ExpiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisTokenKey, string(data), 0).Err(); err != nil {
		return fmt.Errorf("failed to persist token to redis: %w", err)
	}
	return nil
}

// Name implements Source.
func (s *RedisSource) Name() string { return "redis" }

// Close releases the Redis connection.
func (s *RedisSource) Close() error { return s.rdb.Close() }
