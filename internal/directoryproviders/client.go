package directoryproviders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

const maxResponseBytes = 8 << 20

type APIError struct {
	Provider types.Provider
	Code     int
	Msg      string
}

func (e APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s api error: code=%d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s api error: code=%d msg=%s", e.Provider, e.Code, e.Msg)
}

// apiEnvelope is implemented by every decoded response body; a non-zero code
// means the platform rejected the call even on HTTP 200.
type apiEnvelope interface {
	apiStatus() (code int, msg string)
}

type codeClass int

const (
	codeValidation codeClass = iota
	codeAuth
	codeTransient
	codeTokenExpired
)

// codeTable maps platform error codes onto the upstream error taxonomy.
// Unlisted non-zero codes are record-level validation failures.
type codeTable map[int]codeClass

func (t codeTable) classify(code int) codeClass {
	if c, ok := t[code]; ok {
		return c
	}
	return codeValidation
}

type apiClient struct {
	provider types.Provider
	baseURL  string
	hc       *http.Client
	codes    codeTable
	// invalidate drops the cached credential when the platform reports it expired.
	invalidate func()
}

type apiRequest struct {
	op     string
	method string
	path   string
	query  url.Values
	header http.Header
	body   any
}

func (c *apiClient) call(ctx context.Context, r apiRequest, out apiEnvelope) error {
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return types.NewUpstreamValidationError(c.provider, r.op, errors.New("base_url is required"))
	}
	u, err := url.Parse(baseURL + r.path)
	if err != nil {
		return types.NewUpstreamValidationError(c.provider, r.op, err)
	}
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return types.NewUpstreamValidationError(c.provider, r.op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return types.NewUpstreamValidationError(c.provider, r.op, err)
	}
	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return types.NewUpstreamTransientError(c.provider, r.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.NewUpstreamTransientError(c.provider, r.op, err)
	}
	decodeErr := json.Unmarshal(raw, out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Some platforms put the business code in non-2xx bodies; prefer it.
		if decodeErr == nil {
			if code, msg := out.apiStatus(); code != 0 {
				return c.codeError(r.op, code, msg)
			}
		}
		return c.statusError(r.op, resp.StatusCode, raw)
	}
	if decodeErr != nil {
		return types.NewUpstreamValidationError(c.provider, r.op, fmt.Errorf("decode response: %w", decodeErr))
	}
	if code, msg := out.apiStatus(); code != 0 {
		return c.codeError(r.op, code, msg)
	}
	return nil
}

func (c *apiClient) codeError(op string, code int, msg string) error {
	apiErr := APIError{Provider: c.provider, Code: code, Msg: msg}
	switch c.codes.classify(code) {
	case codeAuth:
		return types.NewUpstreamAuthError(c.provider, op, apiErr)
	case codeTransient:
		return types.NewUpstreamTransientError(c.provider, op, apiErr)
	case codeTokenExpired:
		if c.invalidate != nil {
			c.invalidate()
		}
		return types.NewUpstreamTransientError(c.provider, op, apiErr)
	default:
		return types.NewUpstreamValidationError(c.provider, op, apiErr)
	}
}

func (c *apiClient) statusError(op string, status int, body []byte) error {
	const maxBody = 256
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	err := fmt.Errorf("http status=%d body=%q", status, string(body))
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return types.NewUpstreamTransientError(c.provider, op, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewUpstreamAuthError(c.provider, op, err)
	default:
		return types.NewUpstreamValidationError(c.provider, op, err)
	}
}

// credentialError treats a rejected token exchange as an auth failure; only
// network-class failures stay retryable.
func credentialError(p types.Provider, err error) error {
	if err == nil || types.IsUpstreamTransient(err) || types.IsUpstreamAuth(err) {
		return err
	}
	if e, ok := errors.AsType[*types.UpstreamError](err); ok {
		return types.NewUpstreamAuthError(e.Provider, e.Op, e.Err)
	}
	return types.NewUpstreamAuthError(p, "get_credential", err)
}
