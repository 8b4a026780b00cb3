package lapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineClientGetDecisionsForIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`[{"id":1,"type":"ban","scope":"ip","value":"1.2.3.4","duration":"1h0m0s"}]`))
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{APIKey: "secret"}, time.Second)
	require.NoError(t, err)
	decisions, err := c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "ban", decisions[0].Type)
}

func TestInlineClientEmptyBodyIsEmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{}, time.Second)
	require.NoError(t, err)
	decisions, err := c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestInlineClientNonSuccessIsApiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{}, time.Second)
	require.NoError(t, err)
	_, err = c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.Error(t, err)
}

func TestInlineClientGetDecisionsForScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "country", r.URL.Query().Get("scope"))
		assert.Equal(t, "JP", r.URL.Query().Get("value"))
		w.Write([]byte(`[{"id":3,"type":"captcha","scope":"country","value":"JP","duration":"24h0m0s"}]`))
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{}, time.Second)
	require.NoError(t, err)
	decisions, err := c.GetDecisionsForScope(context.Background(), "country", "JP")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "captcha", decisions[0].Type)
}

func TestInlineClientStreamDecisions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("startup"))
		w.Write([]byte(`{"new":[{"id":1,"type":"ban","scope":"ip","value":"9.9.9.9","duration":"1h0m0s"}],"deleted":[]}`))
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{}, time.Second)
	require.NoError(t, err)
	resp, err := c.StreamDecisions(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, resp.New, 1)
	assert.Equal(t, "9.9.9.9", resp.New[0].Value)
}

func TestRestyClientGetDecisionsForIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1.2.3.4", r.URL.Query().Get("ip"))
		w.Write([]byte(`[{"id":2,"type":"captcha","scope":"ip","value":"1.2.3.4","duration":"5m0s"}]`))
	}))
	defer srv.Close()

	c, err := NewRestyClient(srv.URL, Auth{APIKey: "secret"}, time.Second)
	require.NoError(t, err)
	decisions, err := c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "captcha", decisions[0].Type)
}

func TestRestyClientGetDecisionsForScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "country", r.URL.Query().Get("scope"))
		assert.Equal(t, "CN", r.URL.Query().Get("value"))
		w.Write([]byte(`[{"id":4,"type":"ban","scope":"country","value":"CN","duration":"1h0m0s"}]`))
	}))
	defer srv.Close()

	c, err := NewRestyClient(srv.URL, Auth{APIKey: "secret"}, time.Second)
	require.NoError(t, err)
	decisions, err := c.GetDecisionsForScope(context.Background(), "country", "CN")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "ban", decisions[0].Type)
}

func TestInlineClientSendsDefaultUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{}, time.Second)
	require.NoError(t, err)
	_, err = c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
}

func TestInlineClientSendsConfiguredUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "my-bouncer/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewInlineClient(srv.URL, Auth{UserAgent: "my-bouncer/1.0"}, time.Second)
	require.NoError(t, err)
	_, err = c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
}

func TestRestyClientSendsConfiguredUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "my-bouncer/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, err := NewRestyClient(srv.URL, Auth{UserAgent: "my-bouncer/1.0"}, time.Second)
	require.NoError(t, err)
	_, err = c.GetDecisionsForIP(context.Background(), "1.2.3.4")
	require.NoError(t, err)
}

func TestNewClientsRejectUnreadableTLSCert(t *testing.T) {
	auth := Auth{TLSCertPath: "/nonexistent/cert.pem", TLSKeyPath: "/nonexistent/key.pem"}

	_, err := NewInlineClient("https://lapi.example", auth, time.Second)
	require.Error(t, err)

	_, err = NewRestyClient("https://lapi.example", auth, time.Second)
	require.Error(t, err)
}

func TestToDomainDecisions(t *testing.T) {
	wire := []Decision{{ID: 1, Type: "ban", Scope: "ip", Value: "1.2.3.4", Duration: "1h0m0s"}}
	domain := ToDomainDecisions(wire)
	require.Len(t, domain, 1)
	assert.Equal(t, int64(1), domain[0].ID)
}
