package config

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Value types supported by category value specs. Status values are mapped
// through the health token table, number values pass through as-is, and
// duration values parse ISO 8601 durations (e.g. "PT1H30M") into seconds.
const (
	ValueTypeStatus   = "status"
	ValueTypeNumber   = "number"
	ValueTypeDuration = "duration"
)

var DefaultRedfishClient = RedfishClientConfig{
	DialTimeout:           30 * time.Second,
	MaxConcurrentRequests: 4,
}

type RedfishClientConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
}

func (r *RedfishClientConfig) UnmarshalYAML(unmarshal func(any) error) error {
	*r = DefaultRedfishClient
	type plain RedfishClientConfig

	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}

	return nil
}

type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ValueSpec names one metric extracted from a record. Path addresses the raw
// value inside the record; type selects how it becomes a float.
type ValueSpec struct {
	Name string   `yaml:"name"`
	Path []string `yaml:"path"`
	Type string   `yaml:"type"`
}

func (v *ValueSpec) UnmarshalYAML(unmarshal func(any) error) error {
	v.Type = ValueTypeStatus
	type plain ValueSpec
	if err := unmarshal((*plain)(v)); err != nil {
		return err
	}
	if v.Name == "" {
		return fmt.Errorf("value specs require a name to be set")
	}
	if len(v.Path) == 0 {
		return fmt.Errorf("value spec %s requires a path to be set", v.Name)
	}
	switch v.Type {
	case ValueTypeStatus, ValueTypeNumber, ValueTypeDuration:
	default:
		return fmt.Errorf("value spec %s has unknown type %q", v.Name, v.Type)
	}
	return nil
}

type LabelSpec struct {
	Name string   `yaml:"name"`
	Path []string `yaml:"path"`
}

func (l *LabelSpec) UnmarshalYAML(unmarshal func(any) error) error {
	type plain LabelSpec
	if err := unmarshal((*plain)(l)); err != nil {
		return err
	}
	if l.Name == "" {
		return fmt.Errorf("label specs require a name to be set")
	}
	if len(l.Path) == 0 {
		return fmt.Errorf("label spec %s requires a path to be set", l.Name)
	}
	return nil
}

// Category describes one Redfish endpoint to scrape and the metrics to build
// from its response. Iterate, when set, names a top-level array whose
// elements become individual records. JQFilter is only consulted by profiles
// with kind "jq".
type Category struct {
	Name     string      `yaml:"name"`
	BasePath string      `yaml:"base_path"`
	Iterate  string      `yaml:"iterate"`
	JQFilter string      `yaml:"jq_filter"`
	Values   []ValueSpec `yaml:"values"`
	Labels   []LabelSpec `yaml:"labels"`
}

func (c *Category) UnmarshalYAML(unmarshal func(any) error) error {
	type plain Category
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	if c.Name == "" {
		return fmt.Errorf("categories require a name to be set")
	}
	if c.BasePath == "" {
		return fmt.Errorf("category %s requires a base_path to be set", c.Name)
	}
	return nil
}

// Profile bundles the credentials, client tuning and categories used to
// scrape one class of BMC. The suffix is appended to the bare target
// hostname, e.g. "-ipmi".
type Profile struct {
	Suffix        string              `yaml:"suffix"`
	Kind          string              `yaml:"kind"`
	Auth          AuthConfig          `yaml:"auth"`
	RedfishClient RedfishClientConfig `yaml:"redfish_client"`
	Categories    []Category          `yaml:"categories"`
}

func (p *Profile) UnmarshalYAML(unmarshal func(any) error) error {
	p.RedfishClient = DefaultRedfishClient
	type plain Profile
	if err := unmarshal((*plain)(p)); err != nil {
		return err
	}
	if len(p.Categories) == 0 {
		return fmt.Errorf("profiles require at least one category")
	}
	return nil
}

type Config struct {
	Loglevel string             `yaml:"loglevel"`
	Profiles map[string]Profile `yaml:"profiles"`
}

func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	return nil
}

type SafeConfig struct {
	sync.RWMutex
	Config *Config
}

// Read exporter config from file
func NewConfigFromFile(configFilePath string) (*Config, error) {
	file, err := os.Open(configFilePath)
	defer file.Close()
	if err != nil {
		return nil, err
	}
	return readConfigFrom(file)
}

func readConfigFrom(r io.Reader) (*Config, error) {
	config := &Config{}
	if err := yaml.NewDecoder(r).Decode(config); err != nil {
		return config, err
	}

	return config, nil
}

func (sc *SafeConfig) ReloadConfig(configFile string) error {
	var c, err = NewConfigFromFile(configFile)
	if err != nil {
		return err
	}

	sc.Lock()
	sc.Config = c
	sc.Unlock()

	return nil
}

// ProfileForCode returns a copy of the profile registered under code,
// falling back to the "default" profile when the code is unlisted.
func (sc *SafeConfig) ProfileForCode(code string) (*Profile, error) {
	sc.Lock()
	defer sc.Unlock()
	if profile, ok := sc.Config.Profiles[code]; ok {
		return &profile, nil
	}
	if profile, ok := sc.Config.Profiles["default"]; ok {
		return &profile, nil
	}
	return &Profile{}, fmt.Errorf("no profile found for code %s", code)
}

func (sc *SafeConfig) AppLogLevel() string {
	sc.Lock()
	defer sc.Unlock()
	logLevel := sc.Config.Loglevel
	if logLevel != "" {
		return logLevel
	}
	return "info"
}
