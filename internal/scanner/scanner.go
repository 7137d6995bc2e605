// Package scanner searches arbitrary decoded values for the widget's client contact shape.
package scanner

import (
	"reflect"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

// DefaultMaxDepth bounds recursion into nested values.
const DefaultMaxDepth = 3

const (
	keyName  = "clientName"
	keyPhone = "clientPhone"
	keyEmail = "clientEmail"
)

// Scanner walks maps and slices looking for an object carrying clientName plus a phone or email.
// Traversal is bounded by depth only, which also terminates on self-referential values.
type Scanner struct {
	MaxDepth int
}

// New returns a Scanner with the given depth bound (DefaultMaxDepth when <= 0).
func New(maxDepth int) Scanner {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return Scanner{MaxDepth: maxDepth}
}

// Scan returns the first matching object, checking the value itself before its children.
// It returns nil when nothing matches or depth exceeds MaxDepth.
func (s Scanner) Scan(value any, depth int) *tracker.ClientData {
	maxDepth := s.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if depth > maxDepth || value == nil {
		return nil
	}

	switch v := value.(type) {
	case map[string]any:
		if data := match(v); data != nil {
			return data
		}
		for _, key := range sortedKeys(v) {
			if data := s.Scan(v[key], depth+1); data != nil {
				return data
			}
		}
		return nil
	case []any:
		for _, item := range v {
			if data := s.Scan(item, depth+1); data != nil {
				return data
			}
		}
		return nil
	case string, bool, float64, int, int64:
		return nil
	}

	return s.scanReflect(reflect.ValueOf(value), depth)
}

func (s Scanner) scanReflect(rv reflect.Value, depth int) *tracker.ClientData {
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil
		}
		converted := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if !iter.Value().CanInterface() {
				continue
			}
			converted[iter.Key().String()] = iter.Value().Interface()
		}
		return s.Scan(converted, depth)
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		items := make([]any, 0, rv.Len())
		for i := range rv.Len() {
			if rv.Index(i).CanInterface() {
				items = append(items, rv.Index(i).Interface())
			}
		}
		return s.Scan(items, depth)
	default:
		return nil
	}
}

func match(m map[string]any) *tracker.ClientData {
	name, ok := nonEmptyString(m[keyName])
	if !ok {
		return nil
	}
	phone, hasPhone := nonEmptyString(m[keyPhone])
	email, hasEmail := nonEmptyString(m[keyEmail])
	if !hasPhone && !hasEmail {
		return nil
	}
	raw := make(map[string]any, len(m))
	for k, v := range m {
		switch v.(type) {
		case map[string]any, []any:
			continue
		default:
			raw[k] = v
		}
	}
	return &tracker.ClientData{
		ClientName:  name,
		ClientPhone: phone,
		ClientEmail: email,
		Raw:         raw,
	}
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func sortedKeys(m map[string]any) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
