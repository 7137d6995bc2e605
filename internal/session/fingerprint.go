package session

import (
	"strconv"
	"strings"
)

// FingerprintInputs are the coarse device properties reported by the browser.
type FingerprintInputs struct {
	CanvasHash          string `json:"canvasHash"`
	UserAgent           string `json:"userAgent"`
	ScreenWidth         int    `json:"screenWidth"`
	ScreenHeight        int    `json:"screenHeight"`
	ColorDepth          int    `json:"colorDepth"`
	TimezoneOffset      int    `json:"timezoneOffset"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
}

// Fingerprint folds the inputs into a 32-bit hash and encodes it in base 36.
func Fingerprint(in FingerprintInputs) string {
	joined := strings.Join([]string{
		in.CanvasHash,
		in.UserAgent,
		strconv.Itoa(in.ScreenWidth) + "x" + strconv.Itoa(in.ScreenHeight) + "x" + strconv.Itoa(in.ColorDepth),
		strconv.Itoa(in.TimezoneOffset),
		strconv.Itoa(in.HardwareConcurrency),
	}, "|")
	h := fold32(joined)
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}

// fold32 is the classic h*31+c string hash with 32-bit wraparound over UTF-16 code units.
func fold32(s string) int32 {
	var h int32
	for _, r := range s {
		if r > 0xFFFF {
			r -= 0x10000
			h = h*31 + int32(0xD800+(r>>10))
			h = h*31 + int32(0xDC00+(r&0x3FF))
			continue
		}
		h = h*31 + int32(r)
	}
	return h
}
