// Package config loads and validates the calmend YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"calmend/internal/rules"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Backend selects and parameterises the active calendar backend.
	Backend Backend `yaml:"backend"`

	// Calendars lists the collections to sync, in sync order.
	Calendars []Calendar `yaml:"calendars"`

	// Sync controls fetching: window size, parallelism, timeouts, polling.
	Sync Sync `yaml:"sync"`

	// Write controls the conditional-write policy.
	Write Write `yaml:"write"`

	// Rules carries the repair rule table and global parsing policy.
	Rules Rules `yaml:"rules"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *Telemetry `yaml:"telemetry,omitempty"`
}

// Backend describes one calendar backend. Exactly one of the two kinds is
// configured at a time; the source manager can swap it at runtime.
type Backend struct {
	// Type is "caldav" or "google".
	Type string `yaml:"type"`

	// URL is the CalDAV endpoint. Unused for Google.
	URL string `yaml:"url"`

	// Auth is the CalDAV authentication mode and credential references.
	Auth Auth `yaml:"auth"`

	// Google holds the hosted-API credential file locations.
	Google Google `yaml:"google"`
}

// Auth references credentials by environment variable name. Secrets never
// appear inline in the config file.
type Auth struct {
	// Mode is "none", "basic", or "digest".
	Mode string `yaml:"mode"`

	// UsernameEnv and PasswordEnv name the environment variables holding
	// the credentials.
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
}

// Google holds the OAuth client and token file locations for the hosted API.
type Google struct {
	CredentialsFile string `yaml:"credentials_file"`
	TokenFile       string `yaml:"token_file"`
}

// Calendar is one configured collection.
type Calendar struct {
	ID       string `yaml:"id"`
	Alias    string `yaml:"alias"`
	URL      string `yaml:"url"`
	ReadOnly bool   `yaml:"read_only"`
	Timezone string `yaml:"timezone"`
}

// Sync controls the fetch strategy.
type Sync struct {
	// WindowDays bounds the time-window fallback fetch. Defaults to 400 so
	// a yearly recurrence always falls inside one window.
	WindowDays int `yaml:"window_days"`

	// ParallelRequests bounds concurrent event processing per calendar.
	// Defaults to 4.
	ParallelRequests int `yaml:"parallel_requests"`

	// DeltaSync enables incremental fetching where the backend supports
	// it. Defaults to true.
	DeltaSync *bool `yaml:"delta_sync"`

	// ConnectTimeout and ReadTimeout bound individual network calls.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	// PollInterval controls daemon-mode cycle spacing. Minimum 1m,
	// defaults to 15m.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DeltaEnabled returns the delta-sync flag with the default applied.
func (s Sync) DeltaEnabled() bool {
	return s.DeltaSync == nil || *s.DeltaSync
}

// Write is the conditional-write policy.
type Write struct {
	// IfMatch requires version-token conditional writes. Defaults to true.
	IfMatch *bool `yaml:"if_match"`

	// RetryConflict is the number of refetch-and-retry attempts after a
	// version conflict. Defaults to 1 and is capped at 1; the single
	// bounded retry is policy, not tuning.
	RetryConflict *int `yaml:"retry_conflict"`

	// IncludeVTimezone embeds timezone definitions in CalDAV writes.
	IncludeVTimezone bool `yaml:"include_vtimezone"`
}

// IfMatchEnabled returns the conditional-write flag with the default applied.
func (w Write) IfMatchEnabled() bool {
	return w.IfMatch == nil || *w.IfMatch
}

// ConflictRetries returns the conflict retry count with the default applied.
func (w Write) ConflictRetries() int {
	if w.RetryConflict == nil {
		return 1
	}
	return *w.RetryConflict
}

// Rules groups the repair rule table with its global policies.
type Rules struct {
	// ProtectedPrefixes lists reserved title prefixes exempt from repair.
	ProtectedPrefixes []string `yaml:"protected_prefixes"`

	// Parsing is the global embedded-date parsing policy.
	Parsing rules.Parsing `yaml:"parsing"`

	// AutoGenerateWarnings enables creation of lead-time warning events
	// from warning-rule linkage. Off by default: linkage alone only
	// phrases manually present warning events.
	AutoGenerateWarnings bool `yaml:"auto_generate_warnings"`

	// Table is the ordered rule list, first match wins.
	Table []rules.Rule `yaml:"table"`
}

// Telemetry holds optional OpenTelemetry settings.
type Telemetry struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to
	// "calmend".
	ServiceName string `yaml:"service_name"`

	// Headers is sent as gRPC metadata on every OTLP request, e.g.
	// authentication tokens.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path:
// ~/.config/calmend/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calmend", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields, applies defaults, and rejects
// combinations the sync engine cannot honour.
func (c *Config) validate() error {
	switch c.Backend.Type {
	case "caldav":
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for type caldav")
		}
		u, err := url.ParseRequestURI(c.Backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("backend.url %q must be a valid http or https URL", c.Backend.URL)
		}
		switch c.Backend.Auth.Mode {
		case "", "none":
		case "basic", "digest":
			if c.Backend.Auth.UsernameEnv == "" || c.Backend.Auth.PasswordEnv == "" {
				return fmt.Errorf("backend.auth mode %q requires username_env and password_env", c.Backend.Auth.Mode)
			}
		default:
			return fmt.Errorf("backend.auth.mode %q must be none, basic, or digest", c.Backend.Auth.Mode)
		}
	case "google":
		if c.Backend.Google.TokenFile == "" {
			return fmt.Errorf("backend.google.token_file is required for type google")
		}
	default:
		return fmt.Errorf("backend.type %q must be caldav or google", c.Backend.Type)
	}

	if len(c.Calendars) == 0 {
		return fmt.Errorf("calendars must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.ID == "" {
			return fmt.Errorf("calendars[%d] has no id", i)
		}
		if seen[cal.ID] {
			return fmt.Errorf("calendars[%d] duplicates id %q", i, cal.ID)
		}
		seen[cal.ID] = true
		if cal.Alias == "" {
			c.Calendars[i].Alias = cal.ID
		}
	}

	if c.Sync.WindowDays == 0 {
		c.Sync.WindowDays = 400
	}
	if c.Sync.WindowDays < 1 {
		return fmt.Errorf("sync.window_days must be positive")
	}
	if c.Sync.ParallelRequests == 0 {
		c.Sync.ParallelRequests = 4
	}
	if c.Sync.ParallelRequests < 1 || c.Sync.ParallelRequests > 32 {
		return fmt.Errorf("sync.parallel_requests %d out of range 1–32", c.Sync.ParallelRequests)
	}
	if c.Sync.ConnectTimeout == 0 {
		c.Sync.ConnectTimeout = 10 * time.Second
	}
	if c.Sync.ReadTimeout == 0 {
		c.Sync.ReadTimeout = 30 * time.Second
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 15 * time.Minute
	}
	if c.Sync.PollInterval < time.Minute {
		return fmt.Errorf("sync.poll_interval %v is too short (minimum 1m)", c.Sync.PollInterval)
	}

	if r := c.Write.RetryConflict; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("write.retry_conflict %d out of range 0–1", *r)
	}

	if len(c.Rules.Table) == 0 {
		return fmt.Errorf("rules.table must contain at least one rule")
	}

	if c.Telemetry != nil && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
	}

	return nil
}
