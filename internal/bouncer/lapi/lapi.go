// Package lapi implements the LAPI Client (spec C4): the bouncer's
// connection to CrowdSec's Local API, for both one-shot live lookups
// and the streamed bulk decision feed. Grounded on the teacher's
// services layer pattern (internal/services: a small struct wrapping
// an HTTP dependency behind a narrow interface) and on resty as the
// pack's higher-level HTTP client (present in the examples' go.mod
// dependency set).
package lapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	resty "github.com/go-resty/resty/v2"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/decision"
)

// DefaultTimeout is LAPI's default request budget (spec §4.4).
const DefaultTimeout = time.Second

// DefaultUserAgent is sent when Auth.UserAgent is empty (spec §6: a
// User-Agent header is mandatory on every LAPI request).
const DefaultUserAgent = "charonguard-bouncer"

// Decision is the wire shape of a single LAPI decision.
type Decision struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	Duration string `json:"duration"`
	Origin   string `json:"origin"`
}

// StreamResponse is the wire shape of GET /v1/decisions/stream.
type StreamResponse struct {
	New     []Decision `json:"new"`
	Deleted []Decision `json:"deleted"`
}

// Client is the LAPI Client contract: live lookups by IP or by
// scope+value, and a stream pull. Two transports satisfy it (inline
// net/http and resty); callers depend only on this interface.
type Client interface {
	GetDecisionsForIP(ctx context.Context, ip string) ([]Decision, error)

	// GetDecisionsForScope performs a filtered live lookup against an
	// arbitrary scope (spec §4.4 getFilteredDecisions, spec §6's
	// "GET /v1/decisions?scope=Country&value=<cc>"), used by the
	// Resolver's LIVE-miss path for scopes other than plain IP.
	GetDecisionsForScope(ctx context.Context, scope, value string) ([]Decision, error)

	StreamDecisions(ctx context.Context, startup bool) (StreamResponse, error)
}

// Auth carries the two LAPI authentication modes the spec supports
// (an API key, or mutual TLS) plus the request identity every LAPI
// call must carry (spec §4.4, §6).
type Auth struct {
	APIKey string

	// UserAgent is sent as the User-Agent header on every request;
	// DefaultUserAgent is used if empty.
	UserAgent string

	// TLS material for mutual-TLS auth. TLSCertPath/TLSKeyPath present
	// the bouncer's own client certificate; TLSCACertPath, if set,
	// pins the CA LAPI's server certificate is verified against
	// instead of the system pool. TLSVerifyPeer disables peer
	// verification when false (self-signed LAPI deployments).
	TLSCertPath   string
	TLSKeyPath    string
	TLSCACertPath string
	TLSVerifyPeer bool
}

func (a Auth) userAgent() string {
	if a.UserAgent != "" {
		return a.UserAgent
	}
	return DefaultUserAgent
}

// tlsConfig builds the *tls.Config implementing Auth's mutual-TLS
// settings. Returns nil, nil when no client certificate is configured
// (API-key auth only).
func (a Auth) tlsConfig() (*tls.Config, error) {
	if a.TLSCertPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(a.TLSCertPath, a.TLSKeyPath)
	if err != nil {
		return nil, bouncererr.NewConfigError("load lapi client certificate: %v", err)
	}
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: !a.TLSVerifyPeer,
	}
	if a.TLSCACertPath != "" {
		pem, err := os.ReadFile(a.TLSCACertPath)
		if err != nil {
			return nil, bouncererr.NewConfigError("read lapi ca certificate: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, bouncererr.NewConfigError("parse lapi ca certificate: no certificates found")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ToDomainDecisions converts wire decisions to the domain type the
// Decision Index and Resolver operate on.
func ToDomainDecisions(in []Decision) []decision.Decision {
	out := make([]decision.Decision, 0, len(in))
	for _, d := range in {
		out = append(out, decision.Decision{
			ID:       d.ID,
			Type:     d.Type,
			Scope:    decision.Scope(d.Scope),
			Value:    d.Value,
			Duration: d.Duration,
		})
	}
	return out
}

// restyClient is the default transport: resty.Client, configured with
// the bouncer's timeout and API key header.
type restyClient struct {
	http    *resty.Client
	baseURL string
}

// NewRestyClient builds the resty-backed LAPI Client.
func NewRestyClient(baseURL string, auth Auth, timeout time.Duration) (Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tlsCfg, err := auth.tlsConfig()
	if err != nil {
		return nil, err
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("X-Api-Key", auth.APIKey).
		SetHeader("User-Agent", auth.userAgent())
	if tlsCfg != nil {
		c.SetTLSClientConfig(tlsCfg)
	}
	return &restyClient{http: c, baseURL: baseURL}, nil
}

func (c *restyClient) GetDecisionsForIP(ctx context.Context, ip string) ([]Decision, error) {
	return c.getDecisions(ctx, map[string]string{"ip": ip})
}

func (c *restyClient) GetDecisionsForScope(ctx context.Context, scope, value string) ([]Decision, error) {
	return c.getDecisions(ctx, map[string]string{"scope": scope, "value": value})
}

func (c *restyClient) getDecisions(ctx context.Context, params map[string]string) ([]Decision, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(c.baseURL + "/v1/decisions")
	if err != nil {
		return nil, translateTransportErr(err)
	}
	if resp.StatusCode() >= 300 {
		return nil, bouncererr.NewApiError(resp.StatusCode(), string(resp.Body()))
	}
	if len(resp.Body()) == 0 {
		return nil, nil
	}
	var out []Decision
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, bouncererr.NewApiError(resp.StatusCode(), "malformed decisions body")
	}
	return out, nil
}

func (c *restyClient) StreamDecisions(ctx context.Context, startup bool) (StreamResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("startup", boolStr(startup)).
		Get(c.baseURL + "/v1/decisions/stream")
	if err != nil {
		return StreamResponse{}, translateTransportErr(err)
	}
	if resp.StatusCode() >= 300 {
		return StreamResponse{}, bouncererr.NewApiError(resp.StatusCode(), string(resp.Body()))
	}
	if len(resp.Body()) == 0 {
		return StreamResponse{}, nil
	}
	var out StreamResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return StreamResponse{}, bouncererr.NewApiError(resp.StatusCode(), "malformed stream body")
	}
	return out, nil
}

// inlineClient is the minimal stdlib net/http transport, kept for
// deployments that cannot carry resty's extra surface (spec allows
// either transport as long as the Client contract holds).
type inlineClient struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	userAgent string
}

// NewInlineClient builds the stdlib-backed LAPI Client.
func NewInlineClient(baseURL string, auth Auth, timeout time.Duration) (Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tlsCfg, err := auth.tlsConfig()
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: timeout}
	if tlsCfg != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return &inlineClient{
		http:      httpClient,
		baseURL:   baseURL,
		apiKey:    auth.APIKey,
		userAgent: auth.userAgent(),
	}, nil
}

func (c *inlineClient) do(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, bouncererr.NewInputError("build lapi request: %v", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, translateTransportErr(err)
	}
	return resp, nil
}

func (c *inlineClient) GetDecisionsForIP(ctx context.Context, ip string) ([]Decision, error) {
	return c.getDecisions(ctx, "ip="+url.QueryEscape(ip))
}

func (c *inlineClient) GetDecisionsForScope(ctx context.Context, scope, value string) ([]Decision, error) {
	return c.getDecisions(ctx, "scope="+url.QueryEscape(scope)+"&value="+url.QueryEscape(value))
}

func (c *inlineClient) getDecisions(ctx context.Context, query string) ([]Decision, error) {
	resp, err := c.do(ctx, "/v1/decisions?"+query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, bouncererr.NewApiError(resp.StatusCode, "")
	}
	var out []Decision
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, bouncererr.NewApiError(resp.StatusCode, "malformed decisions body")
	}
	return out, nil
}

func (c *inlineClient) StreamDecisions(ctx context.Context, startup bool) (StreamResponse, error) {
	resp, err := c.do(ctx, fmt.Sprintf("/v1/decisions/stream?startup=%s", boolStr(startup)))
	if err != nil {
		return StreamResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return StreamResponse{}, bouncererr.NewApiError(resp.StatusCode, "")
	}
	var out StreamResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return StreamResponse{}, nil
		}
		return StreamResponse{}, bouncererr.NewApiError(resp.StatusCode, "malformed stream body")
	}
	return out, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// translateTransportErr maps a deadline-exceeded transport error onto
// TimeoutError, so callers can distinguish "LAPI said no" from "LAPI
// never answered" (spec §4.4).
func translateTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return bouncererr.NewTimeoutError(err.Error())
	}
	return bouncererr.NewStorageError("lapi transport", err)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return err == context.DeadlineExceeded
}

var _ Client = (*restyClient)(nil)
var _ Client = (*inlineClient)(nil)
