package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/jacksonlee411/dirsync/internal/config"
)

// Principal is the caller behind an API token.
type Principal struct {
	TokenID string
	Role    string
}

type principalCtxKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	return p, ok
}

// tokenPrincipals resolves bearer tokens by their sha256 digest so the
// configuration never holds a usable secret.
type tokenPrincipals struct {
	byDigest map[string]string
}

func newTokenPrincipals(tokens []config.APIToken) tokenPrincipals {
	m := make(map[string]string, len(tokens))
	for _, t := range tokens {
		m[strings.ToLower(strings.TrimSpace(t.TokenSHA256))] = strings.TrimSpace(t.Role)
	}
	return tokenPrincipals{byDigest: m}
}

func (p tokenPrincipals) Lookup(token string) (Principal, bool) {
	sum := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(sum[:])
	role, ok := p.byDigest[digest]
	if !ok {
		return Principal{}, false
	}
	return Principal{TokenID: digest[:12], Role: role}, true
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
