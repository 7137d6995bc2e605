package tracker

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/samber/lo"
)

// DefaultKeywords are the localized "booking confirmed" phrases the widget renders.
func DefaultKeywords() []string {
	return []string{
		"kiitos varauksesta",
		"varauksesi on vahvistettu",
		"booking confirmed",
	}
}

// Matcher performs exact, case-insensitive substring matching against the confirmation phrases.
// No stemming or fuzzy matching is applied.
type Matcher struct {
	keywords []string
}

// NewMatcher normalizes the phrase list; an empty list falls back to DefaultKeywords.
func NewMatcher(keywords []string) *Matcher {
	normalized := lo.Uniq(lo.FilterMap(keywords, func(kw string, _ int) (string, bool) {
		kw = strings.ToLower(strings.TrimSpace(kw))
		return kw, kw != ""
	}))
	if len(normalized) == 0 {
		return NewMatcher(DefaultKeywords())
	}
	return &Matcher{keywords: normalized}
}

// Keywords returns a copy of the normalized phrase list.
func (m *Matcher) Keywords() []string {
	return append([]string(nil), m.keywords...)
}

// Match returns the first phrase contained in text.
func (m *Matcher) Match(text string) (string, bool) {
	if m == nil || text == "" {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

// PlainText reduces HTML-bearing strings to their text content; other input is returned as-is.
func PlainText(s string) string {
	if !looksLikeHTML(s) {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func looksLikeHTML(s string) bool {
	open := strings.IndexByte(s, '<')
	if open == -1 {
		return false
	}
	return strings.IndexByte(s[open:], '>') > 0
}
