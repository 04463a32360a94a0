package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresh_Social(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"accessToken": "new-at",
			"refreshToken": "new-rt",
			"expiresAt": "2026-09-01T12:00:00Z",
			"profileArn": "arn:from-refresh"
		}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	updated, err := r.Refresh(context.Background(), &Credential{
		RefreshToken: "old-rt",
		AuthMethod:   AuthMethodSocial,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"refreshToken": "old-rt"}, gotBody)
	assert.Equal(t, "new-at", updated.AccessToken)
	assert.Equal(t, "new-rt", updated.RefreshToken)
	assert.Equal(t, "arn:from-refresh", updated.ProfileARN)
	assert.Equal(t, time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC), updated.ExpiresAt.UTC())
}

func TestRefresh_IDC(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"accessToken":"idc-at","expiresIn":3600}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	before := time.Now()
	updated, err := r.Refresh(context.Background(), &Credential{
		RefreshToken: "idc-rt",
		AuthMethod:   AuthMethodIDC,
		ClientID:     "cid",
		ClientSecret: "cs",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"clientId":     "cid",
		"clientSecret": "cs",
		"grantType":    "refresh_token",
		"refreshToken": "idc-rt",
	}, gotBody)
	assert.Equal(t, "idc-at", updated.AccessToken)
	// Response had no refresh token: the old one is retained.
	assert.Equal(t, "idc-rt", updated.RefreshToken)
	assert.WithinDuration(t, before.Add(time.Hour), updated.ExpiresAt, 5*time.Second)
}

func TestRefresh_ClientCredentialsImplyIDC(t *testing.T) {
	// No explicit auth method: carrying a client registration is what
	// routes the refresh to the OIDC grant.
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"accessToken":"idc-at","expiresIn":3600}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	updated, err := r.Refresh(context.Background(), &Credential{
		RefreshToken: "rt",
		ClientID:     "cid",
		ClientSecret: "cs",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"clientId":     "cid",
		"clientSecret": "cs",
		"grantType":    "refresh_token",
		"refreshToken": "rt",
	}, gotBody)
	assert.Equal(t, "idc-at", updated.AccessToken)
}

func TestRefresh_IDCMissingRegistration(t *testing.T) {
	r := NewRefresher(RefresherOptions{})
	_, err := r.Refresh(context.Background(), &Credential{
		RefreshToken: "rt",
		AuthMethod:   AuthMethodIDC,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client registration")
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	r := NewRefresher(RefresherOptions{})
	_, err := r.Refresh(context.Background(), &Credential{AccessToken: "at"})
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestRefresh_MissingAccessTokenIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"refreshToken":"only-rt"}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	_, err := r.Refresh(context.Background(), &Credential{RefreshToken: "rt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token")
}

func TestRefresh_NoExpiryLeavesUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"at"}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	updated, err := r.Refresh(context.Background(), &Credential{
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, updated.ExpiresAt.IsZero())
}

func TestRefresh_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	_, err := r.Refresh(context.Background(), &Credential{RefreshToken: "rt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestRefresh_InputNotMutated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"new-at","refreshToken":"new-rt"}`))
	}))
	defer srv.Close()

	r := NewRefresher(RefresherOptions{URLOverride: srv.URL})
	orig := &Credential{AccessToken: "old-at", RefreshToken: "old-rt"}
	_, err := r.Refresh(context.Background(), orig)
	require.NoError(t, err)
	assert.Equal(t, "old-at", orig.AccessToken)
	assert.Equal(t, "old-rt", orig.RefreshToken)
}
