// Package pipeline implements the Bouncer Pipeline (spec C9): the Gin
// middleware that ties Forwarded-IP Trust, the Resolver, and the
// CAPTCHA state machine into a single handleRequest() call. Grounded
// directly on internal/cerberus.Cerberus.Middleware, which wires the
// same "check enabled, consult a facade, dispatch on its verdict"
// shape for WAF/ACL; here the facade is the Resolver and the verdicts
// are bypass/captcha/ban instead of allow/block.
package pipeline

import (
	"html/template"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/charonguard/bouncer/internal/bouncer/audit"
	"github.com/charonguard/bouncer/internal/bouncer/captcha"
	"github.com/charonguard/bouncer/internal/bouncer/forwardedip"
	"github.com/charonguard/bouncer/internal/bouncer/resolver"
	"github.com/charonguard/bouncer/internal/bouncer/verdict"
	"github.com/charonguard/bouncer/internal/logger"
	"github.com/charonguard/bouncer/internal/metrics"
)

// Config carries the pipeline's own tunables, independent of the
// Resolver's.
type Config struct {
	ExcludedURIs  []string
	ForcedTestIP  string
	DisplayErrors bool
}

// Pipeline is the bouncer's single entry point for an inbound request.
type Pipeline struct {
	resolver *resolver.Resolver
	fwd      *forwardedip.Resolver
	machine  *captcha.Machine
	recorder *audit.Recorder
	cfg      Config
	enabled  atomic.Bool
}

// New assembles a Pipeline from its component collaborators. recorder
// may be nil, in which case verdicts are not audited. The pipeline
// starts enabled; see SetEnabled.
func New(res *resolver.Resolver, fwd *forwardedip.Resolver, machine *captcha.Machine, cfg Config) *Pipeline {
	p := &Pipeline{resolver: res, fwd: fwd, machine: machine, cfg: cfg}
	p.enabled.Store(true)
	return p
}

// IsEnabled reports whether the pipeline currently bounces requests,
// mirroring cerberus.Cerberus.IsEnabled()'s runtime on/off switch.
func (p *Pipeline) IsEnabled() bool {
	return p.enabled.Load()
}

// SetEnabled flips the runtime toggle. While disabled, Middleware lets
// every request through unchecked.
func (p *Pipeline) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// WithAudit attaches an audit.Recorder, returning the same Pipeline for
// chaining at construction time.
func (p *Pipeline) WithAudit(recorder *audit.Recorder) *Pipeline {
	p.recorder = recorder
	return p
}

// audit records a terminal verdict. The Resolver reports only the
// effective verdict, not which decision produced it, so decisionID is
// always 0 here.
func (p *Pipeline) audit(ip string, v verdict.Kind) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Log(ip, string(v), "ip", 0); err != nil {
		logger.Log().WithFields(map[string]interface{}{
			"event": "AUDIT_LOG_FAILED",
			"error": err.Error(),
		}).Warn("failed to persist bouncer audit row")
	}
}

func (p *Pipeline) excluded(path string) bool {
	for _, pattern := range p.cfg.ExcludedURIs {
		if strings.HasPrefix(path, pattern) {
			return true
		}
	}
	return false
}

// Middleware returns a Gin middleware enforcing the bouncer pipeline,
// mirroring cerberus.Cerberus.Middleware's enabled-check/dispatch shape.
func (p *Pipeline) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !p.IsEnabled() || p.excluded(ctx.Request.URL.Path) {
			ctx.Next()
			return
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Log().WithFields(map[string]interface{}{
					"event": "UNKNOWN_EXCEPTION_WHILE_BOUNCING",
					"panic": r,
				}).Error("bouncer pipeline panicked")
				if p.cfg.DisplayErrors {
					panic(r)
				}
				ctx.Next()
			}
		}()

		ip := p.cfg.ForcedTestIP
		if ip == "" {
			ip = p.fwd.Resolve(ctx.ClientIP(), ctx.GetHeader("X-Forwarded-For"))
		}

		v, err := p.resolver.GetRemediationForIp(ctx.Request.Context(), ip)
		if err != nil {
			p.handleError(ctx, err)
			return
		}

		p.dispatch(ctx, ip, v)
	}
}

func (p *Pipeline) handleError(ctx *gin.Context, err error) {
	logger.Log().WithFields(map[string]interface{}{
		"event": "UNKNOWN_EXCEPTION_WHILE_BOUNCING",
		"error": err.Error(),
	}).Error("bouncer pipeline error")
	metrics.IncBouncerError()
	if p.cfg.DisplayErrors {
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.Next()
}

func (p *Pipeline) dispatch(ctx *gin.Context, ip string, v verdict.Kind) {
	metrics.IncBouncerVerdict(string(v))
	switch v {
	case verdict.Bypass:
		ctx.Next()
	case verdict.Ban:
		p.audit(ip, v)
		p.renderForbidden(ctx)
	case verdict.Captcha:
		p.stepCaptcha(ctx, ip)
	default:
		ctx.Next()
	}
}

func (p *Pipeline) renderForbidden(ctx *gin.Context) {
	ctx.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

var challengeTemplate = template.Must(template.New("challenge").Parse(
	`<!doctype html><html><body><form method="post">` +
		`{{if .Image}}<img src="{{.Image}}" alt="captcha">{{end}}` +
		`<input type="text" name="phrase" placeholder="enter the phrase shown above">` +
		`<input type="hidden" name="refresh" value="0">` +
		`<button type="submit">submit</button></form>{{if .Error}}<p>{{.Error}}</p>{{end}}</body></html>`))

func (p *Pipeline) renderChallenge(ctx *gin.Context, ip string, status int, errMsg string) {
	image, _, err := p.machine.ImageFor(ctx.Request.Context(), ip)
	if err != nil {
		logger.Log().WithFields(map[string]interface{}{
			"event": "CAPTCHA_IMAGE_LOOKUP_FAILED",
			"error": err.Error(),
		}).Warn("failed to load captcha challenge image")
	}

	ctx.Status(status)
	ctx.Header("Content-Type", "text/html; charset=utf-8")
	_ = challengeTemplate.Execute(ctx.Writer, struct {
		Image string
		Error string
	}{Image: image, Error: errMsg})
	ctx.Abort()
}

// stepCaptcha implements C8's transitions as driven by C9 (spec §4.8/§4.9).
func (p *Pipeline) stepCaptcha(ctx *gin.Context, ip string) {
	c := ctx.Request.Context()
	state, err := p.machine.StateFor(c, ip)
	if err != nil {
		p.handleError(ctx, err)
		return
	}

	switch state {
	case captcha.Unarmed:
		redirect := ctx.GetHeader("Referer")
		if _, err := p.machine.Arm(c, ip, redirect); err != nil {
			p.handleError(ctx, err)
			return
		}
		p.renderChallenge(ctx, ip, http.StatusUnauthorized, "")
		return
	case captcha.Resolved:
		ctx.Next()
		return
	}

	if ctx.Request.Method != http.MethodPost {
		p.renderChallenge(ctx, ip, http.StatusUnauthorized, "")
		return
	}

	if ctx.PostForm("refresh") == "1" {
		if _, err := p.machine.Refresh(c, ip); err != nil {
			p.handleError(ctx, err)
			return
		}
		p.renderChallenge(ctx, ip, http.StatusUnauthorized, "")
		return
	}

	resolved, redirect, err := p.machine.Submit(c, ip, ctx.PostForm("phrase"))
	if err != nil {
		p.handleError(ctx, err)
		return
	}
	if resolved {
		p.audit(ip, verdict.Captcha)
		if redirect == "" {
			redirect = "/"
		}
		ctx.Redirect(http.StatusFound, redirect)
		ctx.Abort()
		return
	}
	p.renderChallenge(ctx, ip, http.StatusUnauthorized, "incorrect phrase")
}
