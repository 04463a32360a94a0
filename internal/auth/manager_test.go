package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagerForTest(t *testing.T, source Source, refreshURL string) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), ManagerOptions{
		Source:    source,
		Refresher: NewRefresher(RefresherOptions{URLOverride: refreshURL}),
	})
	require.NoError(t, err)
	return m
}

func TestManager_TokenFastPath(t *testing.T) {
	var refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		_, _ = w.Write([]byte(`{"accessToken":"refreshed"}`))
	}))
	defer srv.Close()

	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken:  "valid",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}, srv.URL)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "valid", token)
	assert.Equal(t, int32(0), atomic.LoadInt32(&refreshCalls))
}

func TestManager_TokenRefreshesWithinMargin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"refreshed","expiresIn":3600}`))
	}))
	defer srv.Close()

	// Expires within the default 10 minute margin.
	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken:  "stale",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(2 * time.Minute),
	}}, srv.URL)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", token)
	assert.False(t, m.Expiry().IsZero())
}

func TestManager_TokenPersistsRefreshedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"new-at","refreshToken":"rotated-rt","expiresIn":3600}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "kiro-auth-token.json")
	seed := &Credential{RefreshToken: "rt", AuthMethod: AuthMethodSocial}
	data, err := seed.MarshalFile()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m := newManagerForTest(t, &FileSource{Path: path}, srv.URL)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-at", token)

	// The rotated refresh token must survive a restart.
	reloaded, err := (&FileSource{Path: path}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated-rt", reloaded.RefreshToken)
	assert.Equal(t, "new-at", reloaded.AccessToken)
}

func TestManager_ForceRefresh(t *testing.T) {
	var refreshCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		_, _ = w.Write([]byte(`{"accessToken":"fresh","expiresIn":3600}`))
	}))
	defer srv.Close()

	// Token is valid for an hour, but ForceRefresh must discard it.
	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken:  "rejected-upstream",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}, srv.URL)

	require.NoError(t, m.ForceRefresh(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
}

func TestManager_TokenWithoutRefreshToken(t *testing.T) {
	// Access-token-only credential with no known expiry: served as-is.
	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken: "only-at",
	}}, "http://127.0.0.1:0")

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only-at", token)
}

func TestManager_RefreshFailureServesUnexpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Within the refresh margin but not actually expired.
	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken:  "still-good",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(2 * time.Minute),
	}}, srv.URL)

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", token)
}

func TestManager_RefreshFailureOnExpiredTokenIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken:  "expired",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}, srv.URL)

	_, err := m.Token(context.Background())
	assert.Error(t, err)
}

func TestManager_ConcurrentRefreshDeduplicated(t *testing.T) {
	var refreshCalls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		<-release
		_, _ = w.Write([]byte(`{"accessToken":"shared","expiresIn":3600}`))
	}))
	defer srv.Close()

	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		RefreshToken: "rt",
	}}, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "shared", token)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshCalls))
}

func TestManager_ForceRefreshConcurrentWithToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"fresh","expiresIn":3600}`))
	}))
	defer srv.Close()

	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken:  "valid",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}, srv.URL)

	// Readers hold the credential snapshot past the lock, so an
	// invalidation racing them must never mutate it in place.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := m.Token(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.ForceRefresh(context.Background()))
		}()
	}
	wg.Wait()

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
}

func TestManager_Accessors(t *testing.T) {
	m := newManagerForTest(t, &StaticSource{Credential: &Credential{
		AccessToken: "at",
		ProfileARN:  "arn:p",
		Region:      "eu-west-1",
		AuthMethod:  AuthMethodIDC,
	}}, "http://127.0.0.1:0")

	assert.Equal(t, "arn:p", m.ProfileARN())
	assert.Equal(t, "eu-west-1", m.Region())
	assert.Equal(t, AuthMethodIDC, m.AuthMethod())
	assert.Len(t, m.Fingerprint(), 32)
}
