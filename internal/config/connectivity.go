package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConnectivityConfig constrains which interfaces the (out-of-scope,
// platform-specific) connectivity layer is allowed to use. Spec §6
// describes this as an XML wire object (`<Bluetooth><Blacklist>...`);
// here it is the equivalent static configuration file, YAML rather than
// XML since it never travels on the wire — only the metadata codec in
// internal/protocol speaks XML (spec §6's default wire codec).
type ConnectivityConfig struct {
	Blacklist                 []string `yaml:"blacklist"`
	IgnoreNonListedInterfaces bool     `yaml:"ignore_non_listed_interfaces"`
}

// LoadConnectivityConfig reads and parses a YAML connectivity config
// file. A missing file is not an error: it returns the zero value
// (empty blacklist, allow everything).
func LoadConnectivityConfig(path string) (ConnectivityConfig, error) {
	var cfg ConnectivityConfig
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading connectivity config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing connectivity config %q: %w", path, err)
	}
	return cfg, nil
}

// listed reports whether identifier (an interface address such as
// "bt://aa:bb:cc:dd:ee:ff") appears in the configured list.
func (c ConnectivityConfig) listed(identifier string) bool {
	for _, b := range c.Blacklist {
		if b == identifier {
			return true
		}
	}
	return false
}

// Allowed reports whether identifier may be used. With
// IgnoreNonListedInterfaces set the list is an allow-list (only listed
// interfaces are usable); otherwise it is a blacklist (listed
// interfaces are refused, everything else is usable).
func (c ConnectivityConfig) Allowed(identifier string) bool {
	if c.IgnoreNonListedInterfaces {
		return c.listed(identifier)
	}
	return !c.listed(identifier)
}
