package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a token is refreshed.
const DefaultRefreshMargin = 10 * time.Minute

// Manager owns one account's credential lifecycle. It hands out access
// tokens, refreshing them ahead of expiry, and deduplicates concurrent
// refreshes so a burst of requests triggers a single upstream call.
type Manager struct {
	source    Source
	refresher *Refresher
	logger    *slog.Logger
	margin    time.Duration

	sf singleflight.Group

	mu   sync.RWMutex
	cred *Credential
}

// ManagerOptions configures a credential manager.
type ManagerOptions struct {
	Source    Source
	Refresher *Refresher
	Logger    *slog.Logger
	// RefreshMargin defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration
}

// NewManager loads the initial credential from the source.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	margin := opts.RefreshMargin
	if margin == 0 {
		margin = DefaultRefreshMargin
	}
	refresher := opts.Refresher
	if refresher == nil {
		refresher = NewRefresher(RefresherOptions{Logger: logger})
	}

	cred, err := opts.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential from %s: %w", opts.Source.Name(), err)
	}

	return &Manager{
		source:    opts.Source,
		refresher: refresher,
		logger:    logger.With("credential_source", opts.Source.Name()),
		margin:    margin,
		cred:      cred,
	}, nil
}

// Token returns a valid access token, refreshing first when the current
// one is absent or expires within the refresh margin.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()

	if cred.AccessToken != "" && !cred.ExpiringSoon(m.margin) {
		return cred.AccessToken, nil
	}

	if err := m.refresh(ctx); err != nil {
		// An unrefreshable credential is still usable while its token
		// has not actually expired (or has no known expiry at all).
		if cred.AccessToken != "" {
			if errors.Is(err, ErrNoRefreshToken) {
				return cred.AccessToken, nil
			}
			if !cred.ExpiresAt.IsZero() && time.Now().Before(cred.ExpiresAt) {
				m.logger.Warn("refresh failed, serving not-yet-expired token", "error", err)
				return cred.AccessToken, nil
			}
		}
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AccessToken, nil
}

// ForceRefresh discards the current access token and refreshes. Called
// after an upstream 403. Concurrent callers share one refresh.
//
// A published *Credential is never mutated in place: Token readers keep
// using the pointer after releasing the lock, so invalidation installs
// a fresh copy instead.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	cred := *m.cred
	cred.AccessToken = ""
	m.cred = &cred
	m.mu.Unlock()
	return m.refresh(ctx)
}

// refresh performs a deduplicated refresh and persists the result.
func (m *Manager) refresh(ctx context.Context) error {
	_, err, shared := m.sf.Do("refresh", func() (interface{}, error) {
		m.mu.RLock()
		cred := *m.cred
		m.mu.RUnlock()

		// A concurrent caller may have already refreshed while this
		// one waited on the singleflight slot.
		if cred.AccessToken != "" && !cred.ExpiringSoon(m.margin) {
			return nil, nil
		}

		updated, err := m.refresher.Refresh(ctx, &cred)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.cred = updated
		m.mu.Unlock()

		if err := m.source.Persist(ctx, updated); err != nil {
			m.logger.Warn("failed to persist refreshed credential", "error", err)
		}
		return nil, nil
	})
	if shared {
		m.logger.Debug("token refresh deduplicated")
	}
	return err
}

// ProfileARN returns the account's profile ARN, if any.
func (m *Manager) ProfileARN() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.ProfileARN
}

// Region returns the account's region, if any.
func (m *Manager) Region() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.Region
}

// Fingerprint returns the account's stable machine identifier.
func (m *Manager) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.Fingerprint()
}

// Expiry returns the current access token's expiry; the zero time means
// the expiry is unknown.
func (m *Manager) Expiry() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.ExpiresAt
}

// AuthMethod returns the account's auth method.
func (m *Manager) AuthMethod() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AuthMethod
}
