package authentication

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/textileops/go-readcache/logger"
	"gopkg.in/yaml.v3"
)

// PrincipalInternal is the principal recorded for internal requests.
const PrincipalInternal = "internal"

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed   bool
	Principal string
}

// Gate decides whether an end-user request may proceed.
type Gate interface {
	IsAuthorized(r *http.Request) Decision
}

// GateFunc adapts a function to a Gate.
type GateFunc func(r *http.Request) Decision

func (f GateFunc) IsAuthorized(r *http.Request) Decision { return f(r) }

// AllowAll admits every request as "anonymous".
var AllowAll Gate = GateFunc(func(*http.Request) Decision {
	return Decision{Allowed: true, Principal: "anonymous"}
})

// TokenEntry is one API token in a tokens file.
type TokenEntry struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

type tokensFile struct {
	Tokens []TokenEntry `yaml:"tokens"`
}

// StaticTokens admits requests whose bearer token is one of a fixed set.
type StaticTokens struct {
	entries []TokenEntry
}

var _ Gate = (*StaticTokens)(nil)

func NewStaticTokens(entries ...TokenEntry) *StaticTokens {
	return &StaticTokens{entries: entries}
}

// LoadStaticTokens reads a YAML file of the form
//
//	tokens:
//	  - name: ops
//	    token: s3cr3t
func LoadStaticTokens(filename string) (*StaticTokens, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read tokens file %s", filename)
	}
	var f tokensFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, errors.Wrapf(err, "parse tokens file %s", filename)
	}
	for i, e := range f.Tokens {
		if e.Name == "" || e.Token == "" {
			return nil, errors.Newf("tokens file %s: entry %d needs a name and a token", filename, i)
		}
	}
	return NewStaticTokens(f.Tokens...), nil
}

func (s *StaticTokens) IsAuthorized(r *http.Request) Decision {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return Decision{}
	}
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare([]byte(token), []byte(e.Token)) == 1 {
			return Decision{Allowed: true, Principal: e.Name}
		}
	}
	return Decision{}
}

type principalKey struct{}

// PrincipalFromContext returns the principal stored by Middleware.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}

// WithPrincipal returns ctx carrying principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Middleware admits internal requests without consulting gate and rejects
// every other request gate denies with a 401 JSON body.
func Middleware(gate Gate, sharedSecret string, log logger.Logger) func(http.Handler) http.Handler {
	log = log.WithPrefix("[auth]")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsInternal(r, sharedSecret) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), PrincipalInternal)))
				return
			}
			d := gate.IsAuthorized(r)
			if !d.Allowed {
				log.WithContext(r.Context()).Debug("denied %s %s", r.Method, r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), d.Principal)))
		})
	}
}
