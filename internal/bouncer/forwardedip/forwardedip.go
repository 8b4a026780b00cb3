// Package forwardedip implements Forwarded-IP Trust (spec C7):
// deciding whether to honour a reverse proxy's X-Forwarded-For header
// based on a configured trust range for the immediate peer. Grounded
// on the teacher's cerberus.Middleware use of gin's ctx.ClientIP()
// (internal/cerberus/cerberus.go), generalised into an explicit,
// independently testable trust check.
package forwardedip

import (
	"bytes"
	"net"
	"strings"

	"github.com/charonguard/bouncer/internal/logger"
	"github.com/charonguard/bouncer/internal/util"
)

// Bound is an inclusive [Lo, Hi] IP range the immediate peer must fall
// within for its X-Forwarded-For header to be trusted.
type Bound struct {
	Lo net.IP
	Hi net.IP
}

// Resolver decides the effective client IP for a request, honouring
// X-Forwarded-For only from trusted peers.
type Resolver struct {
	trusted  []Bound
	disabled bool
}

// New builds a Resolver. disabled corresponds to the
// forced_test_forwarded_ip=disabled knob, which short-circuits all
// forwarding regardless of the trust list (spec §4.7).
func New(trusted []Bound, disabled bool) *Resolver {
	return &Resolver{trusted: trusted, disabled: disabled}
}

// normalize converts ip to its 16-byte form so IPv4 and IPv4-in-IPv6
// representations compare uniformly (spec §4.7).
func normalize(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4.To16()
	}
	return ip.To16()
}

func (r *Resolver) isTrusted(peer net.IP) bool {
	p := normalize(peer)
	if p == nil {
		return false
	}
	for _, b := range r.trusted {
		lo, hi := normalize(b.Lo), normalize(b.Hi)
		if lo == nil || hi == nil {
			continue
		}
		if bytes.Compare(p, lo) >= 0 && bytes.Compare(p, hi) <= 0 {
			return true
		}
	}
	return false
}

// lastForwardedFor extracts the rightmost trimmed non-empty element of
// an X-Forwarded-For header value.
func lastForwardedFor(header string) (string, bool) {
	parts := strings.Split(header, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		v := strings.TrimSpace(parts[i])
		if v != "" {
			return v, true
		}
	}
	return "", false
}

// Resolve returns the effective client IP for peerIP/forwardedHeader,
// per the trust rules in spec §4.7.
func (r *Resolver) Resolve(peerIP, forwardedHeader string) string {
	if r.disabled {
		return peerIP
	}
	candidate, ok := lastForwardedFor(forwardedHeader)
	if !ok {
		return peerIP
	}

	peer := net.ParseIP(peerIP)
	if peer == nil || !r.isTrusted(peer) {
		logger.Log().WithFields(map[string]interface{}{
			"event":     "NON_AUTHORIZED_X_FORWARDED_FOR_USAGE",
			"peer":      util.SanitizeForLog(peerIP),
			"forwarded": util.SanitizeForLog(candidate),
		}).Warn("untrusted X-Forwarded-For ignored")
		return peerIP
	}
	return candidate
}
