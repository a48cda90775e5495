package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrNotAuthenticated is returned when a one-time code could not be exchanged
// for a credential.
var ErrNotAuthenticated = errors.New("not authenticated")

// Credential is the bearer credential obtained from the exchange endpoint.
type Credential struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// AuthorizationHeader renders the credential as an Authorization header value.
func (c Credential) AuthorizationHeader() string {
	if c.AccessToken == "" {
		return ""
	}
	typ := c.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + c.AccessToken
}

// Exchanger trades a short-lived one-time code for a credential.
type Exchanger interface {
	Exchange(ctx context.Context, code string) (Credential, error)
}

// HTTPExchanger posts {"code": ...} to URL and expects a Credential JSON body.
type HTTPExchanger struct {
	URL    string
	Client *http.Client
}

var _ Exchanger = &HTTPExchanger{}

func NewHTTPExchanger(url string) *HTTPExchanger {
	return &HTTPExchanger{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (e *HTTPExchanger) Exchange(ctx context.Context, code string) (Credential, error) {
	if e == nil || strings.TrimSpace(e.URL) == "" {
		return Credential{}, errors.Wrap(ErrNotAuthenticated, "exchange endpoint not configured")
	}
	if strings.TrimSpace(code) == "" {
		return Credential{}, errors.Wrap(ErrNotAuthenticated, "empty code")
	}
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return Credential{}, errors.Wrap(err, "encode exchange request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, errors.Wrap(err, "build exchange request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, errors.Wrapf(ErrNotAuthenticated, "exchange request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, errors.Wrapf(ErrNotAuthenticated, "read exchange response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, errors.Wrapf(ErrNotAuthenticated, "exchange endpoint returned %d", resp.StatusCode)
	}
	var cred Credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return Credential{}, errors.Wrapf(ErrNotAuthenticated, "decode exchange response: %v", err)
	}
	if cred.AccessToken == "" {
		return Credential{}, errors.Wrap(ErrNotAuthenticated, "exchange response carries no token")
	}
	return cred, nil
}

// Once wraps an Exchanger so the underlying call happens at most once; later
// calls return the first outcome.
type Once struct {
	inner Exchanger

	once sync.Once
	cred Credential
	err  error
}

var _ Exchanger = &Once{}

func NewOnce(inner Exchanger) *Once {
	return &Once{inner: inner}
}

func (o *Once) Exchange(ctx context.Context, code string) (Credential, error) {
	o.once.Do(func() {
		if o.inner == nil {
			o.err = errors.Wrap(ErrNotAuthenticated, "no exchanger")
			return
		}
		o.cred, o.err = o.inner.Exchange(ctx, code)
	})
	return o.cred, o.err
}
