package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SiteProfile overrides scheduling and retry settings for one site. Zero
// values fall back to the global settings.
type SiteProfile struct {
	Concurrency   int     `yaml:"concurrency"`
	PacePerSecond float64 `yaml:"pace_per_second"`
	PaceBurst     int     `yaml:"pace_burst"`
	MaxRoomHotels int     `yaml:"max_room_hotels"`
	MaxAttempts   int     `yaml:"max_attempts"`
	// Disabled sites get no adapter.
	Disabled bool `yaml:"disabled"`
}

// SiteProfiles maps site identifiers to their profiles.
type SiteProfiles map[string]SiteProfile

// LoadSiteProfiles reads site profiles from a YAML file with a top-level
// "sites" key. An empty path yields no profiles.
func LoadSiteProfiles(path string) (SiteProfiles, error) {
	if path == "" {
		return SiteProfiles{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read site profiles %s", path)
	}

	var wrapper struct {
		Sites SiteProfiles `yaml:"sites"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse site profiles")
	}
	if wrapper.Sites == nil {
		wrapper.Sites = SiteProfiles{}
	}

	for name, p := range wrapper.Sites {
		if p.Concurrency < 0 || p.PacePerSecond < 0 || p.PaceBurst < 0 || p.MaxRoomHotels < 0 || p.MaxAttempts < 0 {
			return nil, eris.Errorf("config: site %q has a negative setting", name)
		}
	}
	return wrapper.Sites, nil
}

// Enabled reports whether site may be used. Sites without a profile are
// enabled.
func (p SiteProfiles) Enabled(site string) bool {
	return !p[site].Disabled
}
