package cache

import (
	"slices"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Rule binds a logical domain to a key namespace and its TTL.
type Rule struct {
	Domain    string
	Namespace string
	TTL       time.Duration
}

// Policy maps namespaces to TTLs. A rule applies to its namespace and to
// every namespace below it (separated by ':'); the longest match wins.
type Policy struct {
	def   time.Duration
	rules []Rule
}

// NewPolicy returns a policy with def as the fallback TTL.
func NewPolicy(def time.Duration, rules ...Rule) *Policy {
	if def <= 0 {
		def = DefaultExpires
	}
	p := &Policy{def: def}
	for _, r := range rules {
		p.Set(r)
	}
	return p
}

// DefaultPolicy returns the built-in multi-day TTLs. Every write path
// invalidates explicitly, so expiry is only a backstop.
func DefaultPolicy() *Policy {
	return NewPolicy(3*day,
		Rule{Domain: "inventory", Namespace: "api:s3:inventario", TTL: 3 * day},
		Rule{Domain: "users", Namespace: "api:s3:usuarios", TTL: 7 * day},
		Rule{Domain: "user-data", Namespace: "users", TTL: 7 * day},
		Rule{Domain: "clients", Namespace: "api:s3:clientes", TTL: 7 * day},
		Rule{Domain: "technical-sheets", Namespace: "api:s3:fichas-tecnicas", TTL: 7 * day},
		Rule{Domain: "sold-rolls", Namespace: "api:s3:rollos-vendidos", TTL: 3 * day},
		Rule{Domain: "rolls-data", Namespace: "api:s3:rollos", TTL: 3 * day},
		Rule{Domain: "orders", Namespace: "api:s3:pedidos", TTL: 3 * day},
	)
}

// Set adds r, replacing any rule for the same domain.
func (p *Policy) Set(r Rule) {
	p.rules = slices.DeleteFunc(p.rules, func(existing Rule) bool {
		return existing.Domain == r.Domain
	})
	p.rules = append(p.rules, r)
	slices.SortStableFunc(p.rules, func(a, b Rule) int {
		return len(b.Namespace) - len(a.Namespace)
	})
}

// Default returns the fallback TTL.
func (p *Policy) Default() time.Duration {
	return p.def
}

// TTLFor returns the TTL for namespace.
func (p *Policy) TTLFor(namespace string) time.Duration {
	for _, r := range p.rules {
		if namespace == r.Namespace || strings.HasPrefix(namespace, r.Namespace+":") {
			if r.TTL > 0 {
				return r.TTL
			}
			break
		}
	}
	return p.def
}

// Domain returns the rule registered for domain.
func (p *Policy) Domain(domain string) (Rule, bool) {
	for _, r := range p.rules {
		if r.Domain == domain {
			return r, true
		}
	}
	return Rule{}, false
}

// Rules returns a copy of the rules, longest namespace first.
func (p *Policy) Rules() []Rule {
	return slices.Clone(p.rules)
}
