package cache

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// KeyPrefix starts every key produced by BuildKey.
const KeyPrefix = "cache"

// BuildKey returns cache:<namespace>:k1:v1:k2:v2 with params sorted by name.
// The result does not depend on map iteration order. An empty params map
// yields cache:<namespace>:.
func BuildKey(namespace string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	sb.WriteString(KeyPrefix)
	sb.WriteByte(':')
	sb.WriteString(namespace)
	sb.WriteByte(':')
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(formatParam(params[name]))
	}
	return sb.String()
}

// BuildEscapedKey is BuildKey with every parameter name and value query
// escaped, so values holding ':' cannot collide with a different parameter
// set. Use it for parameters taken from user input.
func BuildEscapedKey(namespace string, params map[string]any) string {
	escaped := make(map[string]any, len(params))
	for name, v := range params {
		escaped[url.QueryEscape(name)] = url.QueryEscape(formatParam(v))
	}
	return BuildKey(namespace, escaped)
}

// NamespacePattern matches every key BuildKey can produce for namespace.
func NamespacePattern(namespace string) string {
	return KeyPrefix + ":" + namespace + ":*"
}

func formatParam(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}

// NormalizeQuery canonicalizes a URL query string: parameter names are
// sorted, the values of repeated parameters are sorted, and every component
// is re-escaped. A leading "?" is ignored and the result never has one, so
// "" and "?" both normalize to "". Parameters named in drop are removed.
// NormalizeQuery(NormalizeQuery(q)) == NormalizeQuery(q).
func NormalizeQuery(raw string, drop ...string) string {
	raw = strings.TrimPrefix(raw, "?")
	if raw == "" {
		return ""
	}
	values := make(map[string][]string)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, val, _ := strings.Cut(part, "=")
		name = unescape(name)
		if name == "" || slices.Contains(drop, name) {
			continue
		}
		values[name] = append(values[name], unescape(val))
	}
	if len(values) == 0 {
		return ""
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	for _, name := range names {
		vals := values[name]
		slices.Sort(vals)
		for _, v := range vals {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(name))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
