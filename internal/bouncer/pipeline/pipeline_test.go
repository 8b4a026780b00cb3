package pipeline_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charonguard/bouncer/internal/bouncer/cache/filecache"
	"github.com/charonguard/bouncer/internal/bouncer/captcha"
	"github.com/charonguard/bouncer/internal/bouncer/decision"
	"github.com/charonguard/bouncer/internal/bouncer/forwardedip"
	"github.com/charonguard/bouncer/internal/bouncer/lapi"
	"github.com/charonguard/bouncer/internal/bouncer/pipeline"
	"github.com/charonguard/bouncer/internal/bouncer/resolver"
	"github.com/charonguard/bouncer/internal/bouncer/verdict"
)

type fakeLAPIClient struct{}

func (fakeLAPIClient) GetDecisionsForIP(ctx context.Context, ip string) ([]lapi.Decision, error) {
	return nil, nil
}

func (fakeLAPIClient) GetDecisionsForScope(ctx context.Context, scope, value string) ([]lapi.Decision, error) {
	return nil, nil
}

func (fakeLAPIClient) StreamDecisions(ctx context.Context, startup bool) (lapi.StreamResponse, error) {
	return lapi.StreamResponse{}, nil
}

func newPipeline(t *testing.T, cfg pipeline.Config) (*pipeline.Pipeline, *decision.Index) {
	t.Helper()
	store, err := filecache.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	idx := decision.New(store, verdict.Captcha)

	res := resolver.New(store, idx, fakeLAPIClient{}, nil, resolver.Config{Mode: resolver.ModeStream, BouncingLevel: resolver.LevelNormal})
	fwd := forwardedip.New(nil, true)
	machine := captcha.New(store, time.Hour)

	return pipeline.New(res, fwd, machine, cfg), idx
}

func TestMiddlewareBypassPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, _ := newPipeline(t, pipeline.Config{})

	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	ctx.Request = req

	mw := p.Middleware()
	mw(ctx)
	require.False(t, ctx.IsAborted())
}

func TestMiddlewareExcludedURISkipsBouncing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, _ := newPipeline(t, pipeline.Config{ExcludedURIs: []string{"/health"}})

	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ctx.Request = req

	mw := p.Middleware()
	mw(ctx)
	require.False(t, ctx.IsAborted())
}

func TestMiddlewareBanRendersForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, idx := newPipeline(t, pipeline.Config{})

	require.NoError(t, idx.UpsertDecision(context.Background(), decision.Decision{ID: 1, Type: "ban", Scope: decision.ScopeIP, Value: "9.9.9.9", Duration: "1h0m0s"}))

	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	ctx.Request = req

	mw := p.Middleware()
	mw(ctx)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestSetEnabledFalseBypassesBanned(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, idx := newPipeline(t, pipeline.Config{})
	require.True(t, p.IsEnabled())

	require.NoError(t, idx.UpsertDecision(context.Background(), decision.Decision{ID: 1, Type: "ban", Scope: decision.ScopeIP, Value: "9.9.9.9", Duration: "1h0m0s"}))
	p.SetEnabled(false)
	require.False(t, p.IsEnabled())

	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	ctx.Request = req

	mw := p.Middleware()
	mw(ctx)
	require.False(t, ctx.IsAborted())
}

func TestMiddlewareCaptchaArmsChallenge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, idx := newPipeline(t, pipeline.Config{})

	require.NoError(t, idx.UpsertDecision(context.Background(), decision.Decision{ID: 1, Type: "captcha", Scope: decision.ScopeIP, Value: "7.7.7.7", Duration: "5m0s"}))

	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "7.7.7.7:1234"
	ctx.Request = req

	mw := p.Middleware()
	mw(ctx)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
