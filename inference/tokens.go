package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const tokenFetchTimeout = time.Second

// StaticTokenSource hands out fixed tokens per kind.
type StaticTokenSource map[string]string

func (st StaticTokenSource) Token(ctx context.Context, kind string) (string, error) {
	token, found := st[kind]
	if !found || token == "" {
		return "", errors.Wrapf(ErrTokenUnavailable, "no static token of kind %s", kind)
	}
	return token, nil
}

// HTTPTokenSource asks the local token cache, GET <URL>/<kind> -> {"token": "..."}.
// Tokens are not cached here.
type HTTPTokenSource struct {
	URL    string
	client *http.Client
}

func NewHTTPTokenSource(cacheURL string) *HTTPTokenSource {
	return &HTTPTokenSource{
		URL:    cacheURL,
		client: &http.Client{Timeout: tokenFetchTimeout},
	}
}

func (hs *HTTPTokenSource) Token(ctx context.Context, kind string) (string, error) {
	reqURL, err := url.JoinPath(hs.URL, kind)
	if err != nil {
		return "", errors.Wrapf(ErrTokenUnavailable, "token cache url: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", errors.Wrapf(ErrTokenUnavailable, "prepare token request: %v", err)
	}
	resp, err := hs.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(ErrTokenUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Wrapf(ErrTokenUnavailable, "token cache answered %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errors.Wrapf(ErrTokenUnavailable, "decode token: %v", err)
	}
	if payload.Token == "" {
		return "", errors.Wrap(ErrTokenUnavailable, "token cache returned empty token")
	}
	return payload.Token, nil
}
