package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// RefreshURLTemplate is the Kiro desktop refresh endpoint for social
	// auth accounts, parametrized by region.
	RefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	// RefreshIDCURLTemplate is the AWS SSO OIDC token endpoint for IdC
	// accounts.
	RefreshIDCURLTemplate = "https://oidc.%s.amazonaws.com/token"
	// RefreshTimeout bounds a single refresh request.
	RefreshTimeout = 15 * time.Second

	defaultRegion = "us-east-1"
)

// refreshResponse covers both endpoints. The desktop endpoint returns
// expiresAt as a timestamp, OIDC returns expiresIn seconds.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileARN   string `json:"profileArn"`
}

// Refresher exchanges a refresh token for a new access token.
type Refresher struct {
	httpClient *http.Client
	logger     *slog.Logger

	// urlOverride replaces both endpoint templates, used by tests.
	urlOverride string
}

// RefresherOptions configures a Refresher.
type RefresherOptions struct {
	Logger      *slog.Logger
	URLOverride string
}

// NewRefresher creates a Refresher with its own short-timeout client.
func NewRefresher(opts RefresherOptions) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		httpClient:  &http.Client{Timeout: RefreshTimeout},
		logger:      logger,
		urlOverride: opts.URLOverride,
	}
}

// Refresh performs a token refresh and returns an updated copy of the
// credential. The input credential is not modified.
//
// Merge rules for the response: a missing access token is a hard error,
// a missing refresh token retains the old one, and a response without
// any expiry information leaves the expiry unknown so the next request
// refreshes again.
func (r *Refresher) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	url, body, err := r.buildRequest(cred)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, RefreshTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	r.logger.Debug("refreshing token", "url", url, "auth_method", cred.AuthMethod)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode >= 400 {
		r.logger.Warn("token refresh failed",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return nil, fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed refreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}

	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("refresh response carried no access token")
	}

	updated := *cred
	updated.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		updated.RefreshToken = parsed.RefreshToken
	}
	switch {
	case parsed.ExpiresIn > 0:
		updated.ExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	case parsed.ExpiresAt != "":
		if t, err := ParseExpiry(parsed.ExpiresAt); err == nil {
			updated.ExpiresAt = t
		} else {
			updated.ExpiresAt = time.Time{}
		}
	default:
		updated.ExpiresAt = time.Time{}
	}
	if parsed.ProfileARN != "" {
		updated.ProfileARN = parsed.ProfileARN
	}

	r.logger.Info("token refreshed successfully",
		"auth_method", cred.AuthMethod,
		"expires_at", updated.ExpiresAt,
	)
	return &updated, nil
}

func (r *Refresher) buildRequest(cred *Credential) (string, []byte, error) {
	region := cred.Region
	if region == "" {
		region = defaultRegion
	}

	if cred.IsIDC() {
		if cred.ClientID == "" || cred.ClientSecret == "" {
			return "", nil, fmt.Errorf("idc credential is missing client registration")
		}
		url := fmt.Sprintf(RefreshIDCURLTemplate, region)
		if r.urlOverride != "" {
			url = r.urlOverride
		}
		body, err := json.Marshal(map[string]string{
			"clientId":     cred.ClientID,
			"clientSecret": cred.ClientSecret,
			"grantType":    "refresh_token",
			"refreshToken": cred.RefreshToken,
		})
		return url, body, err
	}

	url := fmt.Sprintf(RefreshURLTemplate, region)
	if r.urlOverride != "" {
		url = r.urlOverride
	}
	body, err := json.Marshal(map[string]string{
		"refreshToken": cred.RefreshToken,
	})
	return url, body, err
}
