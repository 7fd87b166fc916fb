package warming

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/textileops/go-readcache/cache"
)

// Domain is a group of cached reads that is warmed as a unit.
type Domain struct {
	Name string `yaml:"name"`
	// Collection is the blob store folder and the last segment of the
	// read path.
	Collection string `yaml:"collection"`
	// Namespace is the cache key namespace. Defaults to api:s3:<collection>.
	Namespace string `yaml:"namespace"`
	// Path is the read endpoint. Defaults to /api/s3/<collection>.
	Path string `yaml:"path"`
}

func (d Domain) namespace() string {
	if d.Namespace != "" {
		return d.Namespace
	}
	return "api:s3:" + d.Collection
}

func (d Domain) path() string {
	if d.Path != "" {
		return d.Path
	}
	return "/api/s3/" + d.Collection
}

// Pattern matches every cached read of the domain.
func (d Domain) Pattern() string {
	return cache.NamespacePattern(d.namespace())
}

// Prefix is the blob store folder listed for partition discovery.
func (d Domain) Prefix() string {
	return strings.TrimSuffix(d.Collection, "/") + "/"
}

// DefaultDomains are the domains with a warming procedure.
func DefaultDomains() []Domain {
	return []Domain{
		{Name: "inventory", Collection: "inventario"},
		{Name: "users", Collection: "usuarios"},
		{Name: "clients", Collection: "clientes"},
		{Name: "technical-sheets", Collection: "fichas-tecnicas"},
	}
}

var partition = regexp.MustCompile(`^(\d{4})/(\d{2})/`)

// Variants returns the read URLs to warm for d given the blob keys under its
// prefix: the unfiltered listing first, then one per year/month partition
// in ascending order.
func (d Domain) Variants(keys []string) []string {
	prefix := d.Prefix()
	seen := make(map[string]struct{})
	var parts []string
	for _, key := range keys {
		m := partition.FindStringSubmatch(strings.TrimPrefix(key, prefix))
		if m == nil {
			continue
		}
		id := m[1] + "/" + m[2]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		parts = append(parts, id)
	}
	slices.Sort(parts)

	out := make([]string, 0, len(parts)+1)
	out = append(out, d.path())
	for _, p := range parts {
		year, month, _ := strings.Cut(p, "/")
		q := url.Values{"year": {year}, "month": {month}}
		out = append(out, d.path()+"?"+q.Encode())
	}
	return out
}
