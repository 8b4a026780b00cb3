// Package captcha implements the CAPTCHA State Machine (spec C8):
// per-IP challenge state held in a single Cache Store entry, driven
// through Unarmed/Armed/Failed/Resolved transitions by the Bouncer
// Pipeline. Grounded on the teacher's security_service.go pattern of
// a small stateful struct persisted via a backing store and mutated
// through explicit methods rather than free functions.
package captcha

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
)

const keyPrefix = "captcha:"

// State is the CAPTCHA state machine's coarse classification.
type State string

const (
	Unarmed  State = "unarmed"
	Armed    State = "armed"
	Failed   State = "failed"
	Resolved State = "resolved"
)

// entry is the persisted per-IP CAPTCHA record. The phrase itself is
// never stored at rest, only a bcrypt hash of its normalized form, so
// a cache dump never discloses the active challenge phrase. InlineImage
// is the rendered challenge image itself (spec §3 "inline_image:
// base64-data-URL"), safe to persist since it's what the user is
// already shown, not the answer.
type entry struct {
	PhraseHash         []byte `json:"phrase_hash"`
	InlineImage        string `json:"inline_image"`
	HasToBeResolved    bool   `json:"has_to_be_resolved"`
	ResolutionFailed   bool   `json:"resolution_failed"`
	ResolutionRedirect string `json:"resolution_redirect"`
}

func (e *entry) state() State {
	switch {
	case e == nil:
		return Unarmed
	case !e.HasToBeResolved:
		return Resolved
	case e.ResolutionFailed:
		return Failed
	default:
		return Armed
	}
}

// Machine drives the CAPTCHA state machine against a Cache Store.
type Machine struct {
	store cache.Store
	ttl   time.Duration
}

// New builds a Machine. ttl is the CAPTCHA cache entry's lifetime,
// reused as the window a Resolved state survives without re-challenge.
func New(store cache.Store, ttl time.Duration) *Machine {
	return &Machine{store: store, ttl: ttl}
}

func (m *Machine) key(ip string) string { return cache.EncodeKey(keyPrefix + ip) }

func (m *Machine) load(ctx context.Context, ip string) (*entry, error) {
	raw, ok, err := m.store.Get(ctx, m.key(ip))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, bouncererr.NewStorageError("decode captcha entry", err)
	}
	return &e, nil
}

func (m *Machine) save(ctx context.Context, ip string, e *entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return bouncererr.NewStorageError("encode captcha entry", err)
	}
	if err := m.store.Put(m.key(ip), raw, time.Now().Add(m.ttl)); err != nil {
		return err
	}
	_, err = m.store.Commit(ctx)
	return err
}

// StateFor reports the current state for ip without mutating anything.
func (m *Machine) StateFor(ctx context.Context, ip string) (State, error) {
	e, err := m.load(ctx, ip)
	if err != nil {
		return "", err
	}
	return e.state(), nil
}

// ImageFor returns the armed challenge's inline image as a base64
// data URL, for embedding in the rendered challenge page. ok is false
// if there is no CAPTCHA entry for ip; any existing entry, whatever its
// state, reports its stored image with ok true.
func (m *Machine) ImageFor(ctx context.Context, ip string) (image string, ok bool, err error) {
	e, err := m.load(ctx, ip)
	if err != nil {
		return "", false, err
	}
	if e == nil {
		return "", false, nil
	}
	return e.InlineImage, true, nil
}

const phraseAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func generatePhrase(words, length int) (string, error) {
	var parts []string
	for i := 0; i < words; i++ {
		b := make([]byte, length)
		for j := range b {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(phraseAlphabet))))
			if err != nil {
				return "", bouncererr.NewStorageError("generate captcha phrase", err)
			}
			b[j] = phraseAlphabet[n.Int64()]
		}
		parts = append(parts, string(b))
	}
	return strings.Join(parts, "-"), nil
}

func hashPhrase(phrase string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(normalizePhrase(phrase)), bcrypt.DefaultCost)
	if err != nil {
		return nil, bouncererr.NewStorageError("hash captcha phrase", err)
	}
	return hash, nil
}

const (
	imageWidth  = 160
	imageHeight = 48
)

// renderChallengeImage draws phrase onto a small PNG canvas and returns
// it as a base64 data URL, the CAPTCHA cache entry's inline_image
// (spec §3). Rendering uses x/image's bundled bitmap font, since no
// pack dependency does challenge-image generation and freetype-grade
// rendering is unnecessary for a fixed-width ASCII phrase.
func renderChallengeImage(phrase string) (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, imageWidth, imageHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 235, G: 235, B: 235, A: 255}}, image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.RGBA{R: 30, G: 30, B: 30, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, imageHeight/2+4),
	}
	drawer.DrawString(strings.ToUpper(phrase))

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", bouncererr.NewStorageError("render captcha image", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Arm transitions Unarmed -> Armed: a verdict=captcha arrived for ip.
// redirect is the referer to return to on success, or "/".
func (m *Machine) Arm(ctx context.Context, ip, redirect string) (phrase string, err error) {
	phrase, err = generatePhrase(2, 4)
	if err != nil {
		return "", err
	}
	if redirect == "" {
		redirect = "/"
	}
	hash, err := hashPhrase(phrase)
	if err != nil {
		return "", err
	}
	image, err := renderChallengeImage(phrase)
	if err != nil {
		return "", err
	}
	e := &entry{PhraseHash: hash, InlineImage: image, HasToBeResolved: true, ResolutionRedirect: redirect}
	if err := m.save(ctx, ip, e); err != nil {
		return "", err
	}
	return phrase, nil
}

// Refresh regenerates the phrase for an Armed or Failed entry and
// clears any prior failure (spec §4.8: POST refresh=1).
func (m *Machine) Refresh(ctx context.Context, ip string) (phrase string, err error) {
	e, err := m.load(ctx, ip)
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", bouncererr.NewInputError("no captcha entry to refresh for %q", ip)
	}
	phrase, err = generatePhrase(2, 4)
	if err != nil {
		return "", err
	}
	hash, err := hashPhrase(phrase)
	if err != nil {
		return "", err
	}
	image, err := renderChallengeImage(phrase)
	if err != nil {
		return "", err
	}
	e.PhraseHash = hash
	e.InlineImage = image
	e.ResolutionFailed = false
	if err := m.save(ctx, ip, e); err != nil {
		return "", err
	}
	return phrase, nil
}

// normalizePhrase applies the lenient comparison rules: case-insensitive,
// 0<->o, 1<->l (spec §4.8).
func normalizePhrase(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "0", "o")
	s = strings.ReplaceAll(s, "1", "l")
	return s
}

// Submit evaluates a submitted phrase against the stored one. On
// match it moves to Resolved and returns the redirect target; on
// mismatch it moves to Failed.
func (m *Machine) Submit(ctx context.Context, ip, submitted string) (resolved bool, redirect string, err error) {
	e, err := m.load(ctx, ip)
	if err != nil {
		return false, "", err
	}
	if e == nil {
		return false, "", bouncererr.NewInputError("no captcha entry for %q", ip)
	}

	if bcrypt.CompareHashAndPassword(e.PhraseHash, []byte(normalizePhrase(submitted))) == nil {
		e.HasToBeResolved = false
		e.ResolutionFailed = false
		dest := e.ResolutionRedirect
		e.ResolutionRedirect = ""
		if err := m.save(ctx, ip, e); err != nil {
			return false, "", err
		}
		return true, dest, nil
	}

	e.ResolutionFailed = true
	if err := m.save(ctx, ip, e); err != nil {
		return false, "", err
	}
	return false, "", nil
}

// Clear removes the CAPTCHA entry for ip outright.
func (m *Machine) Clear(ctx context.Context, ip string) error {
	return m.store.Delete(ctx, m.key(ip))
}
