// Package redact masks secrets before they reach logs.
package redact

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// Mask keeps at most a quarter of s, and never more than four characters,
// replacing the rest with asterisks.
func Mask(s string) string {
	l := len(s)
	if l == 0 {
		return s
	}
	keep := min(l/4, 4)
	return s[:keep] + strings.Repeat("*", l-keep)
}

// URL masks the password and every query value of rawURL. The scheme, user,
// host and path are kept so the target stays recognizable.
func URL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse URL")
	}
	if u.User != nil {
		if pass, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), Mask(pass))
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k, v := range q {
			for i := range v {
				v[i] = Mask(v[i])
			}
			q[k] = v
		}
		u.RawQuery = q.Encode()
	}
	// url.String escapes the asterisks in userinfo
	return strings.ReplaceAll(u.String(), "%2A", "*"), nil
}

// Value masks s as a URL when it parses as one with a scheme, otherwise as
// an opaque secret.
func Value(s string) string {
	if strings.Contains(s, "://") {
		if masked, err := URL(s); err == nil {
			return masked
		}
	}
	return Mask(s)
}
