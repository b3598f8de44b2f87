package httpclient

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyGenerator builds deterministic cache keys from request identity:
// method, normalized URL and sorted query parameters, optionally extended
// with selected request header values so distinct header contexts (for
// example Accept or Authorization) do not collide.
type KeyGenerator struct {
	varyHeaders []string
}

// NewKeyGenerator creates a generator. varyHeaders lists the request
// headers whose values become part of the key; order does not matter.
func NewKeyGenerator(varyHeaders []string) *KeyGenerator {
	normalized := make([]string, 0, len(varyHeaders))
	for _, h := range varyHeaders {
		h = strings.TrimSpace(strings.ToLower(h))
		if h != "" {
			normalized = append(normalized, h)
		}
	}
	sort.Strings(normalized)
	return &KeyGenerator{varyHeaders: normalized}
}

// Key returns the cache key for req. Two requests with the same method,
// URL and parameters produce the same key regardless of parameter order;
// a differing value in any configured vary header produces a different key.
func (g *KeyGenerator) Key(req *http.Request) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte(':')

	if req.URL != nil {
		writeNormalizedURL(&b, req.URL)
	}

	for _, name := range g.varyHeaders {
		b.WriteString("|")
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(req.Header.Get(name))
	}

	return b.String()
}

// VaryValues captures the current values of the configured vary headers,
// for storing alongside a cache entry.
func (g *KeyGenerator) VaryValues(req *http.Request) map[string]string {
	if len(g.varyHeaders) == 0 {
		return nil
	}
	values := make(map[string]string, len(g.varyHeaders))
	for _, name := range g.varyHeaders {
		values[name] = req.Header.Get(name)
	}
	return values
}

func writeNormalizedURL(b *strings.Builder, u *url.URL) {
	if u.Scheme != "" {
		b.WriteString(strings.ToLower(u.Scheme))
		b.WriteString("://")
	}
	b.WriteString(strings.ToLower(u.Host))
	b.WriteString(u.EscapedPath())

	query := u.Query()
	if len(query) == 0 {
		return
	}

	names := make([]string, 0, len(query))
	for name := range query {
		// Parameters with no value are dropped so "?a=1&b" and "?a=1"
		// are the same logical request.
		if !hasNonEmptyValue(query[name]) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return
	}
	sort.Strings(names)

	b.WriteByte('?')
	first := true
	for _, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for _, v := range values {
			if v == "" {
				continue
			}
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
}

func hasNonEmptyValue(values []string) bool {
	for _, v := range values {
		if v != "" {
			return true
		}
	}
	return false
}
