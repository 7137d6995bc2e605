// Package session derives the stable per-tab session identity.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/bookingwatch/internal/clock/system"
	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// DefaultParam is the query parameter that carries the id across redirects.
const DefaultParam = "session"

const (
	idPrefix     = "bw"
	suffixLength = 6
	base36       = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// TokenGenerator yields random UUIDs used as session entropy.
type TokenGenerator interface {
	NewV4ID() (string, error)
}

// Resolver builds session identities. It never performs network calls.
type Resolver struct {
	Param  string
	Clock  tracker.Clock
	Tokens TokenGenerator
	Random io.Reader
}

// NewResolver returns a Resolver using crypto/rand for the random suffix.
func NewResolver(param string, clock tracker.Clock, tokens TokenGenerator) *Resolver {
	if param == "" {
		param = DefaultParam
	}
	if clock == nil {
		clock = system.New()
	}
	return &Resolver{Param: param, Clock: clock, Tokens: tokens, Random: rand.Reader}
}

// Resolve returns the session carried by rawURL, or synthesizes a fresh one.
func (r *Resolver) Resolve(rawURL string, in FingerprintInputs) (tracker.Session, error) {
	fp := Fingerprint(in)
	now := r.Clock.Now()
	if id := FromURL(rawURL, r.Param); id != "" {
		return tracker.Session{ID: id, Fingerprint: fp, StartedAt: now}, nil
	}
	if r.Tokens == nil {
		return tracker.Session{}, errors.New("session token generator is required")
	}
	token, err := r.Tokens.NewV4ID()
	if err != nil {
		return tracker.Session{}, fmt.Errorf("session entropy: %w", err)
	}
	suffix, err := randomSuffix(r.Random, suffixLength)
	if err != nil {
		return tracker.Session{}, err
	}
	id := strings.Join([]string{
		idPrefix,
		strconv.FormatInt(now.UnixMilli(), 10),
		token,
		fp,
		suffix,
	}, "_")
	return tracker.Session{ID: id, Fingerprint: fp, StartedAt: now}, nil
}

// FromURL extracts a pre-supplied session id from the query string.
func FromURL(rawURL, param string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get(param))
}

// WithSessionParam embeds id into rawURL so the session survives the booking flow's redirects.
func WithSessionParam(rawURL, param, id string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if q.Get(param) == id {
		return rawURL, nil
	}
	q.Set(param, id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func randomSuffix(src io.Reader, n int) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	var b strings.Builder
	limit := big.NewInt(int64(len(base36)))
	for range n {
		idx, err := rand.Int(src, limit)
		if err != nil {
			return "", fmt.Errorf("random suffix: %w", err)
		}
		b.WriteByte(base36[idx.Int64()])
	}
	return b.String(), nil
}
