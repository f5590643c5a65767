// Package zone maps socketmap table names to resolution settings. The zone
// of a query selects its timeout and whether testing policies are enforced.
package zone

import (
	"github.com/semihalev/stsmap/config"
	"github.com/semihalev/stsmap/resolver"
)

// Zone is one named configuration bucket with its resolver.
type Zone struct {
	Name          string
	StrictTesting bool
	Resolver      *resolver.Resolver
}

// Registry holds the default zone and all named zones. It is built once at
// startup and read-only afterwards.
type Registry struct {
	def   *Zone
	zones map[string]*Zone
}

// NewRegistry builds the registry from config, one resolver per zone.
func NewRegistry(cfg *config.Config, fetcher resolver.PolicyFetcher) *Registry {
	r := &Registry{
		def: &Zone{
			Name:          "default",
			StrictTesting: cfg.DefaultZone.StrictTesting,
			Resolver:      resolver.New(fetcher, cfg.DefaultZone.Timeout.Duration),
		},
		zones: make(map[string]*Zone, len(cfg.Zones)),
	}

	for name, zc := range cfg.Zones {
		r.zones[name] = &Zone{
			Name:          name,
			StrictTesting: zc.StrictTesting,
			Resolver:      resolver.New(fetcher, zc.Timeout.Duration),
		}
	}

	return r
}

// Lookup returns the zone for name. The empty name and unknown names fall
// back to the default zone.
func (r *Registry) Lookup(name string) *Zone {
	if z, ok := r.zones[name]; ok {
		return z
	}

	return r.def
}

// Default returns the default zone.
func (r *Registry) Default() *Zone {
	return r.def
}
