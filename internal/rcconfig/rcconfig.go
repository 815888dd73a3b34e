// Package rcconfig parses the YAML bootstrap file cmd/rcluster reads
// at startup: the seed node list, the dial timeout, the refresh throttle
// and the redirect ceiling. cmd/rcluster passes only the first seed and
// the dial timeout on to topology.Init. Uses gopkg.in/yaml.v3, already in the corpus (the
// teacher's own hand-rolled indentation-counting YAML reader in
// internal/config/parser.go is exactly the stdlib-only rendition this
// module avoids now that a real YAML dependency is available), rather
// than reimplementing a parser.
package rcconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of a cluster bootstrap file.
type Config struct {
	// Seeds lists candidate seed addresses. cmd/rcluster probes only the
	// first entry; the remaining entries are not tried.
	Seeds []string `yaml:"seeds"`

	// DialTimeout bounds both the seed probe and per-node dials.
	DialTimeout time.Duration `yaml:"dialTimeout"`

	// RefreshIntervalMin is the minimum interval between MOVED-triggered
	// re-probes. It is parsed and defaulted here only: cmd/rcluster does
	// not pass it to the Topology, which keeps its own default rate.
	RefreshIntervalMin time.Duration `yaml:"refreshInterval"`

	// MaxRedirects is the MOVED/ASK redirect ceiling per command. It is
	// parsed, defaulted and validated here only: cmd/rcluster prints it
	// but does not pass it to the Topology, which keeps its own default.
	MaxRedirects int `yaml:"maxRedirects"`
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RefreshIntervalMin == 0 {
		c.RefreshIntervalMin = 200 * time.Millisecond
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 16
	}
}

// Validate reports the first configuration problem found, if any.
func (c *Config) Validate() error {
	if len(c.Seeds) == 0 {
		return fmt.Errorf("rcconfig: at least one seed address is required")
	}
	for _, s := range c.Seeds {
		if s == "" {
			return fmt.Errorf("rcconfig: seed address must not be empty")
		}
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("rcconfig: dialTimeout must not be negative")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("rcconfig: maxRedirects must not be negative")
	}
	return nil
}

// Load reads and parses a YAML bootstrap file from path, applying
// defaults to any zero-valued field before validating.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rcconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a Config, applying defaults and
// validating the result.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rcconfig: parse: %w", err)
	}
	c := raw.toConfig()
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// rawConfig mirrors Config but with duration fields expressed as
// strings ("5s", "200ms") the way a hand-edited YAML file naturally
// holds them; yaml.v3 cannot unmarshal time.Duration from such strings
// directly so this intermediate shape does the conversion.
type rawConfig struct {
	Seeds           []string `yaml:"seeds"`
	DialTimeout     string   `yaml:"dialTimeout"`
	RefreshInterval string   `yaml:"refreshInterval"`
	MaxRedirects    int      `yaml:"maxRedirects"`
}

func (r rawConfig) toConfig() *Config {
	c := &Config{
		Seeds:        r.Seeds,
		MaxRedirects: r.MaxRedirects,
	}
	if d, err := time.ParseDuration(r.DialTimeout); err == nil {
		c.DialTimeout = d
	}
	if d, err := time.ParseDuration(r.RefreshInterval); err == nil {
		c.RefreshIntervalMin = d
	}
	return c
}
