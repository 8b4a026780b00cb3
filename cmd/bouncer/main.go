package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/charonguard/bouncer/internal/bouncer/audit"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
	"github.com/charonguard/bouncer/internal/bouncer/cache/filecache"
	memcachedcache "github.com/charonguard/bouncer/internal/bouncer/cache/memcached"
	rediscache "github.com/charonguard/bouncer/internal/bouncer/cache/redis"
	"github.com/charonguard/bouncer/internal/bouncer/captcha"
	"github.com/charonguard/bouncer/internal/bouncer/decision"
	"github.com/charonguard/bouncer/internal/bouncer/forwardedip"
	"github.com/charonguard/bouncer/internal/bouncer/geo"
	"github.com/charonguard/bouncer/internal/bouncer/lapi"
	"github.com/charonguard/bouncer/internal/bouncer/pipeline"
	"github.com/charonguard/bouncer/internal/bouncer/resolver"
	"github.com/charonguard/bouncer/internal/bouncer/streamsync"
	"github.com/charonguard/bouncer/internal/bouncer/verdict"
	"github.com/charonguard/bouncer/internal/config"
	"github.com/charonguard/bouncer/internal/database"
	"github.com/charonguard/bouncer/internal/logger"
	"github.com/charonguard/bouncer/internal/metrics"
	"github.com/charonguard/bouncer/internal/version"
)

// Exit codes, spec §6.
const (
	exitOK                 = 0
	exitConfigError        = 2
	exitBackendUnreachable = 3
	exitBusy               = 4
)

func main() {
	logDir := "/app/data/logs"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logDir = "data/logs"
		_ = os.MkdirAll(logDir, 0755)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "bouncer.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	logger.Init(false, io.MultiWriter(os.Stdout, rotator))

	cfg, err := config.Load()
	if err != nil {
		logger.Log().WithError(err).Error("load config")
		os.Exit(exitConfigError)
	}

	if len(os.Args) > 1 {
		runSubcommand(os.Args[1], cfg)
		return
	}

	runServe(cfg)
}

func runSubcommand(cmd string, cfg config.Config) {
	store, closeStore, err := openCacheStore(cfg)
	if err != nil {
		logger.Log().WithError(err).Error("open cache store")
		os.Exit(exitBackendUnreachable)
	}
	defer closeStore()

	idx := decision.New(store, fallbackKind(cfg))
	client, err := newLAPIClient(cfg)
	if err != nil {
		logger.Log().WithError(err).Error("build lapi client")
		os.Exit(exitConfigError)
	}
	syncer := streamsync.New(client, idx)
	ctx := context.Background()

	switch cmd {
	case "refresh-cache":
		result, err := syncer.Refresh(ctx)
		if err != nil {
			logger.Log().WithError(err).Error("refresh cache")
			os.Exit(exitForError(err))
		}
		logger.Log().WithFields(map[string]interface{}{
			"new":     result.New,
			"deleted": result.Deleted,
		}).Info("cache refreshed")
	case "clear-cache":
		if err := store.Clear(ctx); err != nil {
			logger.Log().WithError(err).Error("clear cache")
			os.Exit(exitBackendUnreachable)
		}
		syncer.Reset()
		logger.Log().Info("cache cleared")
	case "prune-cache":
		pruner, ok := store.(cache.Pruner)
		if !ok {
			logger.Log().Info("backend prunes natively via TTL, nothing to do")
			os.Exit(exitOK)
		}
		removed, err := pruner.Prune(ctx)
		if err != nil {
			logger.Log().WithError(err).Error("prune cache")
			os.Exit(exitBackendUnreachable)
		}
		logger.Log().WithFields(map[string]interface{}{"removed": removed}).Info("cache pruned")
	default:
		logger.Log().Errorf("unknown subcommand %q", cmd)
		os.Exit(exitConfigError)
	}
	os.Exit(exitOK)
}

// fallbackKind coerces the configured fallback remediation string,
// itself falling back to captcha if misconfigured (spec §3: "Unknown
// kinds from LAPI are coerced to a configurable fallback, default captcha").
func fallbackKind(cfg config.Config) verdict.Kind {
	return verdict.Coerce(cfg.FallbackRemediation, verdict.Captcha)
}

func exitForError(err error) int {
	if strings.Contains(err.Error(), "busy error") {
		return exitBusy
	}
	return exitBackendUnreachable
}

func runServe(cfg config.Config) {
	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	store, closeStore, err := openCacheStore(cfg)
	if err != nil {
		logger.Log().WithError(err).Error("open cache store")
		os.Exit(exitBackendUnreachable)
	}
	defer closeStore()

	idx := decision.New(store, fallbackKind(cfg))
	client, err := newLAPIClient(cfg)
	if err != nil {
		logger.Log().WithError(err).Error("build lapi client")
		os.Exit(exitConfigError)
	}

	var geoLocator resolver.Geo
	if cfg.Geolocation.Enabled {
		locator, err := geo.Open(cfg.Geolocation.DatabasePath, store, cfg.Geolocation.CacheDuration)
		if err != nil {
			logger.Log().WithError(err).Error("open geolocation database")
			os.Exit(exitBackendUnreachable)
		}
		defer locator.Close()
		geoLocator = locator
	}

	mode := resolver.ModeLive
	if cfg.StreamMode {
		mode = resolver.ModeStream
	}
	res := resolver.New(store, idx, client, geoLocator, resolver.Config{
		Mode:                 mode,
		BouncingLevel:        resolver.BouncingLevel(cfg.BouncingLevel),
		GeolocationEnabled:   cfg.Geolocation.Enabled,
		CleanIPCacheDuration: cfg.CleanIPCacheDuration,
	})

	syncer := streamsync.New(client, idx)
	if cfg.StreamMode {
		ctx := context.Background()
		if _, err := syncer.WarmUp(ctx, store.Clear); err != nil {
			logger.Log().WithError(err).Error("stream warm-up")
			os.Exit(exitBackendUnreachable)
		}
		scheduleStreamRefresh(syncer)
	}

	fwd := forwardedip.New(parseTrustBounds(cfg.TrustIPForwardArray), cfg.ForcedTestForwardedIP == "disabled")
	machine := captcha.New(store, cfg.CaptchaCacheDuration)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Log().WithError(err).Error("open audit database")
		os.Exit(exitBackendUnreachable)
	}
	if err := audit.Migrate(db); err != nil {
		logger.Log().WithError(err).Error("migrate audit database")
		os.Exit(exitBackendUnreachable)
	}
	recorder := audit.NewRecorder(db)

	p := pipeline.New(res, fwd, machine, pipeline.Config{
		ExcludedURIs:  cfg.ExcludedURIs,
		ForcedTestIP:  cfg.ForcedTestIP,
		DisplayErrors: cfg.DisplayErrors,
	}).WithAudit(recorder)

	if cfg.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(p.Middleware())

	router.GET("/bouncer/status", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"version":        version.Full(),
			"enabled":        p.IsEnabled(),
			"stream_mode":    cfg.StreamMode,
			"sync_state":     syncer.State(),
			"bouncing_level": cfg.BouncingLevel,
		})
	})
	router.POST("/bouncer/enabled", func(c *gin.Context) {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p.SetEnabled(body.Enabled)
		c.JSON(http.StatusOK, gin.H{"enabled": p.IsEnabled()})
	})
	router.GET("/bouncer/metrics", gin.WrapH(metrics.Handler()))

	addr := fmt.Sprintf(":%s", cfg.HTTPPort)
	logger.Log().Infof("listening on %s", addr)
	if err := router.Run(addr); err != nil {
		logger.Log().WithError(err).Error("server error")
		os.Exit(exitBackendUnreachable)
	}
}

// scheduleStreamRefresh drives periodic stream pulls via a cron
// scheduler, the same dependency the teacher reaches for to run
// recurring background jobs.
func scheduleStreamRefresh(syncer *streamsync.Syncer) {
	c := cron.New()
	_, err := c.AddFunc("@every 10s", func() {
		if _, err := syncer.Refresh(context.Background()); err != nil {
			logger.Log().WithError(err).Warn("stream refresh failed")
		}
	})
	if err != nil {
		logger.Log().WithError(err).Error("schedule stream refresh")
		return
	}
	c.Start()
}

func newLAPIClient(cfg config.Config) (lapi.Client, error) {
	auth := lapi.Auth{
		APIKey:        cfg.APIKey,
		UserAgent:     cfg.APIUserAgent,
		TLSCertPath:   cfg.TLSCertPath,
		TLSKeyPath:    cfg.TLSKeyPath,
		TLSCACertPath: cfg.TLSCACertPath,
		TLSVerifyPeer: cfg.TLSVerifyPeer,
	}
	if cfg.UseCurl {
		return lapi.NewInlineClient(cfg.APIURL, auth, cfg.APITimeout)
	}
	return lapi.NewRestyClient(cfg.APIURL, auth, cfg.APITimeout)
}

func openCacheStore(cfg config.Config) (cache.Store, func(), error) {
	switch cfg.CacheSystem {
	case config.CacheSystemRedis:
		opts, err := goredis.ParseURL(cfg.RedisDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		return rediscache.New(client), func() { _ = client.Close() }, nil
	case config.CacheSystemMemcached:
		client := memcache.New(strings.Split(cfg.MemcachedDSN, ",")...)
		return memcachedcache.New(client), func() {}, nil
	default:
		store, err := filecache.Open(cfg.FSCachePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open file cache: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// parseTrustBounds turns the configured CIDR list into inclusive
// [Lo, Hi] bounds, tolerating a bare IP (treated as a /32 or /128).
func parseTrustBounds(cidrs []string) []forwardedip.Bound {
	bounds := make([]forwardedip.Bound, 0, len(cidrs))
	for _, raw := range cidrs {
		entry := raw
		if !strings.Contains(entry, "/") {
			if strings.Contains(entry, ":") {
				entry += "/128"
			} else {
				entry += "/32"
			}
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Log().Warnf("skipping invalid trust_ip_forward entry %q", raw)
			continue
		}
		lo := make(net.IP, len(network.IP))
		copy(lo, network.IP)
		hi := make(net.IP, len(network.IP))
		for i := range hi {
			hi[i] = network.IP[i] | ^network.Mask[i]
		}
		bounds = append(bounds, forwardedip.Bound{Lo: lo, Hi: hi})
	}
	return bounds
}
