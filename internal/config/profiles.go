// Connection profiles let one daemon switch between gateways (local dev,
// remote host) without re-exporting environment variables. Values support
// ${VAR} or $VAR expansion so tokens stay out of the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is one named gateway preset in profiles.yaml.
type Profile struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	ClientID   string `yaml:"client_id"`
	ClientMode string `yaml:"client_mode"`
	Scopes     string `yaml:"scopes"`
	Locale     string `yaml:"locale"`
}

// Profiles is the parsed profiles.yaml.
type Profiles struct {
	// Default names the profile used when none is requested.
	Default string `yaml:"default"`

	// Profiles maps profile name to preset.
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfiles reads and parses a profiles file, expanding env vars.
func LoadProfiles(path string) (*Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", path, err)
	}
	return LoadProfilesBytes(raw)
}

// LoadProfilesBytes parses profiles from bytes (useful for testing).
func LoadProfilesBytes(data []byte) (*Profiles, error) {
	expanded := expandEnvVars(string(data))
	var pf Profiles
	if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("profiles: parse: %w", err)
	}
	return &pf, nil
}

// Resolve returns the named profile, or the default one when name is empty.
func (pf *Profiles) Resolve(name string) (*Profile, error) {
	if name == "" {
		name = pf.Default
	}
	if name == "" {
		return nil, fmt.Errorf("profiles: no profile requested and no default set")
	}
	p, ok := pf.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profiles: unknown profile %q", name)
	}
	return &p, nil
}

// Apply overlays non-empty profile fields onto the config.
func (c *Config) Apply(p *Profile) {
	if p == nil {
		return
	}
	if p.URL != "" {
		c.GatewayURL = p.URL
	}
	if p.Token != "" {
		c.GatewayToken = p.Token
	}
	if p.ClientID != "" {
		c.ClientID = p.ClientID
	}
	if p.ClientMode != "" {
		c.ClientMode = p.ClientMode
	}
	if p.Scopes != "" {
		c.Scopes = p.Scopes
	}
	if p.Locale != "" {
		c.Locale = p.Locale
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
