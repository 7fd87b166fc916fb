package server

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/textileops/go-readcache/cache"
	"github.com/textileops/go-readcache/warming"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

type policyRule struct {
	Domain    string `yaml:"domain"`
	Namespace string `yaml:"namespace"`
	TTL       string `yaml:"ttl"`
}

type policyFile struct {
	Default string           `yaml:"default"`
	Rules   []policyRule     `yaml:"rules"`
	Warm    []warming.Domain `yaml:"warm"`
}

// LoadPolicy reads a YAML policy file. Rules are layered over the default
// policy, replacing built-in rules for the same domain. When the file lists
// warm domains they replace the default ones.
//
//	default: 3d
//	rules:
//	  - domain: orders
//	    namespace: api:s3:pedidos
//	    ttl: 2d
//	warm:
//	  - name: inventory
//	    collection: inventario
func LoadPolicy(filename string) (*cache.Policy, []warming.Domain, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read policy file %s", filename)
	}
	return ParsePolicy(buf)
}

// ParsePolicy parses the policy file format described by LoadPolicy.
func ParsePolicy(buf []byte) (*cache.Policy, []warming.Domain, error) {
	var f policyFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, nil, errors.Wrap(err, "parse policy")
	}
	base := cache.DefaultPolicy()
	def := base.Default()
	if f.Default != "" {
		d, err := str2duration.ParseDuration(f.Default)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "default ttl %q", f.Default)
		}
		def = d
	}
	policy := cache.NewPolicy(def, base.Rules()...)
	for i, r := range f.Rules {
		if r.Domain == "" || r.Namespace == "" {
			return nil, nil, errors.Newf("rule %d needs a domain and a namespace", i)
		}
		ttl, err := str2duration.ParseDuration(r.TTL)
		if err != nil || ttl <= 0 {
			return nil, nil, errors.Newf("rule %s: invalid ttl %q", r.Domain, r.TTL)
		}
		policy.Set(cache.Rule{Domain: r.Domain, Namespace: r.Namespace, TTL: ttl})
	}
	domains := warming.DefaultDomains()
	if len(f.Warm) > 0 {
		for i, d := range f.Warm {
			if d.Name == "" || d.Collection == "" {
				return nil, nil, errors.Newf("warm domain %d needs a name and a collection", i)
			}
		}
		domains = f.Warm
	}
	return policy, domains, nil
}
