package session

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type stubTokens struct {
	token string
	err   error
}

func (s stubTokens) NewV4ID() (string, error) { return s.token, s.err }

func TestFingerprintKnownValues(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nfogvs", Fingerprint(FingerprintInputs{}))
	assert.Equal(t, "dqnkwl", Fingerprint(FingerprintInputs{
		CanvasHash:          "abc",
		UserAgent:           "Mozilla/5.0",
		ScreenWidth:         1920,
		ScreenHeight:        1080,
		ColorDepth:          24,
		TimezoneOffset:      -120,
		HardwareConcurrency: 8,
	}))
}

func TestFold32HandlesSurrogatePairs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(97), fold32("a"))
	assert.Equal(t, int32(1772899), fold32("\U0001F600"))
}

func TestResolveUsesSessionParam(t *testing.T) {
	t.Parallel()

	r := NewResolver("", fixedClock{t: time.UnixMilli(1700000000000)}, stubTokens{err: errors.New("unused")})
	sess, err := r.Resolve("https://salon.example/book?session=abc-123&x=1", FingerprintInputs{})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", sess.ID)
	assert.Equal(t, "nfogvs", sess.Fingerprint)
}

func TestResolveSynthesizesID(t *testing.T) {
	t.Parallel()

	r := NewResolver("sid", fixedClock{t: time.UnixMilli(1700000000000)}, stubTokens{token: "0b7c1f9e-1111-4222-8333-444455556666"})
	r.Random = bytes.NewReader(bytes.Repeat([]byte{0x07}, 64))

	sess, err := r.Resolve("https://salon.example/book?session=ignored", FingerprintInputs{})
	require.NoError(t, err)

	parts := strings.Split(sess.ID, "_")
	require.Len(t, parts, 5)
	assert.Equal(t, "bw", parts[0])
	assert.Equal(t, "1700000000000", parts[1])
	assert.Equal(t, "0b7c1f9e-1111-4222-8333-444455556666", parts[2])
	assert.Equal(t, "nfogvs", parts[3])
	assert.Len(t, parts[4], suffixLength)
}

func TestResolvePropagatesTokenError(t *testing.T) {
	t.Parallel()

	r := NewResolver("", nil, stubTokens{err: errors.New("no entropy")})
	_, err := r.Resolve("https://salon.example/", FingerprintInputs{})
	require.ErrorContains(t, err, "no entropy")
}

func TestWithSessionParam(t *testing.T) {
	t.Parallel()

	got, err := WithSessionParam("https://salon.example/book?lang=fi", DefaultParam, "bw_1")
	require.NoError(t, err)
	assert.Equal(t, "bw_1", FromURL(got, DefaultParam))
	assert.Contains(t, got, "lang=fi")

	same, err := WithSessionParam(got, DefaultParam, "bw_1")
	require.NoError(t, err)
	assert.Equal(t, got, same)

	_, err = WithSessionParam("://bad", DefaultParam, "x")
	require.Error(t, err)
}
