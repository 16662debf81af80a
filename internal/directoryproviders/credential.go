package directoryproviders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	refreshBuffer  = 5 * time.Minute
	minCacheWindow = time.Minute
)

type tokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// credentialSource caches one access token per adapter. Concurrent refreshes
// collapse into a single upstream exchange.
type credentialSource struct {
	fetch tokenFetcher
	now   func() time.Time
	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	refreshAt time.Time
}

func newCredentialSource(fetch tokenFetcher, now func() time.Time) *credentialSource {
	if now == nil {
		now = time.Now
	}
	return &credentialSource{fetch: fetch, now: now}
}

func (s *credentialSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.refreshAt = time.Time{}
}

func (s *credentialSource) cached() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.refreshAt) {
		return s.token, s.expiresAt, true
	}
	return "", time.Time{}, false
}

type credential struct {
	token     string
	expiresAt time.Time
}

func (s *credentialSource) Token(ctx context.Context) (string, time.Time, error) {
	if tok, exp, ok := s.cached(); ok {
		return tok, exp, nil
	}

	v, err, _ := s.group.Do("token", func() (any, error) {
		if tok, exp, ok := s.cached(); ok {
			return credential{token: tok, expiresAt: exp}, nil
		}
		tok, ttl, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, errors.New("empty access token")
		}
		if ttl <= 0 {
			return nil, errors.New("invalid token lifetime")
		}

		window := max(ttl-refreshBuffer, minCacheWindow)
		window = min(window, ttl)
		fetchedAt := s.now()

		s.mu.Lock()
		s.token = tok
		s.expiresAt = fetchedAt.Add(ttl)
		s.refreshAt = fetchedAt.Add(window)
		s.mu.Unlock()
		return credential{token: tok, expiresAt: fetchedAt.Add(ttl)}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	c := v.(credential)
	return c.token, c.expiresAt, nil
}
