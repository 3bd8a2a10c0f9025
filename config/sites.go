package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/use-agent/planscout/classify"
	"github.com/use-agent/planscout/models"
	"gopkg.in/yaml.v3"
)

// SiteFile is the YAML document listing portals and keywords.
type SiteFile struct {
	Defaults SiteDefaults  `yaml:"defaults"`
	Sites    []models.Site `yaml:"sites"`
	Keywords []string      `yaml:"keywords"`
}

// SiteDefaults fill fields a site leaves unset.
type SiteDefaults struct {
	Adapter     string        `yaml:"adapter"`      // default: "idox"
	Engine      string        `yaml:"engine"`       // default: "http"
	MinInterval time.Duration `yaml:"min_interval"` // default: 2s
}

// LoadSites reads and defaults a site file. It does not validate; call
// Validate once the adapter registry is known.
func LoadSites(path string) (*SiteFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeConfiguration, "read site file", err)
	}
	return ParseSites(data)
}

// ParseSites decodes a site file from YAML.
func ParseSites(data []byte) (*SiteFile, error) {
	var sf SiteFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeConfiguration, "parse site file", err)
	}
	sf.applyDefaults()
	return &sf, nil
}

func (sf *SiteFile) applyDefaults() {
	if sf.Defaults.Adapter == "" {
		sf.Defaults.Adapter = "idox"
	}
	if sf.Defaults.Engine == "" {
		sf.Defaults.Engine = models.EngineHTTP
	}
	if sf.Defaults.MinInterval == 0 {
		sf.Defaults.MinInterval = 2 * time.Second
	}
	for i := range sf.Sites {
		s := &sf.Sites[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Adapter == "" {
			s.Adapter = sf.Defaults.Adapter
		}
		if s.Engine == "" {
			s.Engine = sf.Defaults.Engine
		}
		if s.MinInterval == 0 {
			s.MinInterval = sf.Defaults.MinInterval
		}
	}
}

// Select returns the sites named in names, in file order. An empty names
// selects every site.
func (sf *SiteFile) Select(names []string) ([]models.Site, error) {
	if len(names) == 0 {
		return slices.Clone(sf.Sites), nil
	}
	var out []models.Site
	for _, n := range names {
		i := slices.IndexFunc(sf.Sites, func(s models.Site) bool { return s.Name == n })
		if i < 0 {
			return nil, models.NewScrapeError(models.ErrCodeInvalidInput, fmt.Sprintf("unknown site %q", n), nil)
		}
		out = append(out, sf.Sites[i])
	}
	return out, nil
}

// Validate checks the application config and site file together. Every
// failure is a CONFIGURATION_ERROR; a run cannot start with any of them.
func Validate(cfg *Config, sf *SiteFile, adapters []string) error {
	if err := cfg.Retry.Policy().Validate(); err != nil {
		return models.NewScrapeError(models.ErrCodeConfiguration, "retry policy", err)
	}
	if cfg.Run.MaxConcurrentSites < 0 {
		return models.ConfigError("max concurrent sites must be >= 0, got %d", cfg.Run.MaxConcurrentSites)
	}
	switch cfg.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			return models.ConfigError("store %q needs a DSN", cfg.Store.Driver)
		}
	default:
		return models.ConfigError("unknown store driver %q", cfg.Store.Driver)
	}

	if err := ValidateSites(sf.Sites, adapters); err != nil {
		return err
	}
	return ValidateKeywords(sf.Keywords)
}

// ValidateSites checks site definitions.
func ValidateSites(sites []models.Site, adapters []string) error {
	if len(sites) == 0 {
		return models.ConfigError("no sites configured")
	}
	seen := make(map[string]struct{}, len(sites))
	for _, s := range sites {
		if s.Name == "" {
			return models.ConfigError("site with base_url %q has no name", s.BaseURL)
		}
		if _, dup := seen[s.Name]; dup {
			return models.ConfigError("duplicate site name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		u, err := url.Parse(s.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.ConfigError("site %q: base_url %q must be an absolute http(s) URL", s.Name, s.BaseURL)
		}
		if s.MinInterval < 0 {
			return models.ConfigError("site %q: min_interval must be >= 0", s.Name)
		}
		if s.MaxDetails < 0 {
			return models.ConfigError("site %q: max_details must be >= 0", s.Name)
		}
		if s.Engine != models.EngineHTTP && s.Engine != models.EngineBrowser {
			return models.ConfigError("site %q: unknown engine %q", s.Name, s.Engine)
		}
		if adapters != nil && !slices.Contains(adapters, s.Adapter) {
			return models.ConfigError("site %q: unknown adapter %q", s.Name, s.Adapter)
		}
		if _, err := classify.Compile(s.Block); err != nil {
			return models.NewScrapeError(models.ErrCodeConfiguration, fmt.Sprintf("site %q: block rules", s.Name), err)
		}
	}
	return nil
}

// ValidateKeywords requires at least one non-blank keyword.
func ValidateKeywords(keywords []string) error {
	for _, k := range keywords {
		if strings.TrimSpace(k) != "" {
			return nil
		}
	}
	return models.ConfigError("keyword list is empty")
}
