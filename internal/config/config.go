package config

import (
	"time"
)

// Default values applied when a field is left unset.
const (
	DefaultDataDir          = "/var/lib/warden"
	DefaultCommandTimeout   = 10 * time.Second
	DefaultContainerChain   = "DOCKER-USER"
	DefaultHostChain        = "INPUT"
	DefaultAddressSet       = "dm-blocked"
	DefaultNetworkSet       = "dm-blocked-net"
	DefaultMaxAttempts      = 5
	DefaultJailMinutes      = 60
	DefaultSweepInterval    = time.Minute
	DefaultFlushInterval    = 5 * time.Minute
	DefaultIPCacheSize      = 4096
	DefaultLookupURL        = "http://ip-api.com/json/%s?fields=status,message,country,countryCode,city,isp,org"
	DefaultLookupInterval   = 1500 * time.Millisecond
	DefaultLookupsPerMinute = 45
	DefaultLookupTimeout    = 5 * time.Second
	DefaultAuditRetention   = 90 * 24 * time.Hour
)

// Config is the top-level daemon configuration.
type Config struct {
	DataDir  string `hcl:"data_dir,optional" json:"data_dir"`
	LogLevel string `hcl:"log_level,optional" json:"log_level"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json"`

	Firewall   *FirewallConfig   `hcl:"firewall,block" json:"firewall"`
	Jail       *JailConfig       `hcl:"jail,block" json:"jail"`
	Ranges     *RangesConfig     `hcl:"ranges,block" json:"ranges"`
	Enrichment *EnrichmentConfig `hcl:"enrichment,block" json:"enrichment"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics"`
	Audit      *AuditConfig      `hcl:"audit,block" json:"audit"`

	RuleChains     []RuleChain `hcl:"rule_chain,block" json:"rule_chains"`
	RuleChainsFile string      `hcl:"rule_chains_file,optional" json:"rule_chains_file,omitempty"`
}

// FirewallConfig controls how rules are pushed to iptables/ipset.
type FirewallConfig struct {
	IPTables     string `hcl:"iptables,optional" json:"iptables"`
	IP6Tables    string `hcl:"ip6tables,optional" json:"ip6tables"`
	IPTablesSave string `hcl:"iptables_save,optional" json:"iptables_save"`
	IPSet        string `hcl:"ipset,optional" json:"ipset"`

	// CommandTimeout bounds every external invocation.
	CommandTimeout string `hcl:"command_timeout,optional" json:"command_timeout"`

	// ContainerChain receives traffic forwarded to containers,
	// HostChain traffic addressed to the host itself. "none" skips a chain.
	ContainerChain string `hcl:"container_chain,optional" json:"container_chain"`
	HostChain      string `hcl:"host_chain,optional" json:"host_chain"`

	// IPv6 sets use the same names with a "6" suffix.
	AddressSet string `hcl:"address_set,optional" json:"address_set"`
	NetworkSet string `hcl:"network_set,optional" json:"network_set"`

	// DryRun logs commands instead of executing them.
	DryRun bool `hcl:"dry_run,optional" json:"dry_run"`
	// SkipResync disables re-applying persisted rules at startup.
	SkipResync bool `hcl:"skip_resync,optional" json:"skip_resync"`
}

// Timeout returns the parsed command timeout.
func (c *FirewallConfig) Timeout() time.Duration {
	return parseDuration(c.CommandTimeout, DefaultCommandTimeout)
}

// JailConfig controls automatic jailing.
type JailConfig struct {
	// AutoJail gates failed-login jailing. Nil means enabled.
	AutoJail        *bool  `hcl:"auto_jail,optional" json:"auto_jail,omitempty"`
	MaxAttempts     int    `hcl:"max_attempts,optional" json:"max_attempts"`
	DurationMinutes int    `hcl:"duration_minutes,optional" json:"duration_minutes"`
	SweepInterval   string `hcl:"sweep_interval,optional" json:"sweep_interval"`

	// Single-condition rules consulted when no rule chain matched.
	LegacyUserAgents  []string `hcl:"legacy_user_agents,optional" json:"legacy_user_agents,omitempty"`
	LegacyMethods     []string `hcl:"legacy_methods,optional" json:"legacy_methods,omitempty"`
	LegacyPaths       []string `hcl:"legacy_paths,optional" json:"legacy_paths,omitempty"`
	LegacyStatusCodes []int    `hcl:"legacy_status_codes,optional" json:"legacy_status_codes,omitempty"`
}

// AutoJailEnabled reports whether failed logins should lead to jails.
func (c *JailConfig) AutoJailEnabled() bool {
	return c.AutoJail == nil || *c.AutoJail
}

// SweepEvery returns the parsed sweep interval.
func (c *JailConfig) SweepEvery() time.Duration {
	return parseDuration(c.SweepInterval, DefaultSweepInterval)
}

// RangesConfig controls the CIDR range index.
type RangesConfig struct {
	FlushInterval string `hcl:"flush_interval,optional" json:"flush_interval"`
	IPCacheSize   int    `hcl:"ip_cache_size,optional" json:"ip_cache_size"`
}

// FlushEvery returns the parsed hit-counter flush interval.
func (c *RangesConfig) FlushEvery() time.Duration {
	return parseDuration(c.FlushInterval, DefaultFlushInterval)
}

// EnrichmentConfig controls geo/ISP backfill of firewall rules.
type EnrichmentConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`

	// LookupURL is a printf pattern receiving the address.
	LookupURL        string `hcl:"lookup_url,optional" json:"lookup_url"`
	Interval         string `hcl:"interval,optional" json:"interval"`
	LookupsPerMinute int    `hcl:"lookups_per_minute,optional" json:"lookups_per_minute"`
	Timeout          string `hcl:"timeout,optional" json:"timeout"`

	// MaxMind databases used when the HTTP source is rate limited.
	CityDB string `hcl:"city_db,optional" json:"city_db,omitempty"`
	ASNDB  string `hcl:"asn_db,optional" json:"asn_db,omitempty"`
}

// Every returns the pause between two backfill lookups.
func (c *EnrichmentConfig) Every() time.Duration {
	return parseDuration(c.Interval, DefaultLookupInterval)
}

// LookupTimeout returns the HTTP timeout for the primary source.
func (c *EnrichmentConfig) LookupTimeout() time.Duration {
	return parseDuration(c.Timeout, DefaultLookupTimeout)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen"`
}

// AuditConfig controls the persistent audit trail kept in data_dir.
type AuditConfig struct {
	Disabled  bool   `hcl:"disabled,optional" json:"disabled"`
	Retention string `hcl:"retention,optional" json:"retention"`
}

// RetentionPeriod returns how long audit events are kept.
func (c *AuditConfig) RetentionPeriod() time.Duration {
	return parseDuration(c.Retention, DefaultAuditRetention)
}

// RuleChain is a named conjunction of conditions with an action.
type RuleChain struct {
	Name        string      `hcl:"name,label" json:"name" yaml:"name"`
	Disabled    bool        `hcl:"disabled,optional" json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Action      string      `hcl:"action" json:"action" yaml:"action"`
	JailMinutes int         `hcl:"jail_minutes,optional" json:"jail_minutes,omitempty" yaml:"jail_minutes,omitempty"`
	Conditions  []Condition `hcl:"condition,block" json:"conditions" yaml:"conditions"`
}

// Condition matches one observation field against a pattern.
type Condition struct {
	Field       string `hcl:"field" json:"field" yaml:"field"`
	Pattern     string `hcl:"pattern" json:"pattern" yaml:"pattern"`
	Description string `hcl:"description,optional" json:"description,omitempty" yaml:"description,omitempty"`
}

// Chain actions.
const (
	ActionJail    = "jail"
	ActionLogOnly = "log_only"
	ActionBlock   = "block"
)

// Observation fields a condition may reference.
const (
	FieldUserAgent = "user_agent"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldReferer   = "referer"
	FieldDomain    = "domain"
)

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	fw := c.Firewall
	setDefault(&fw.IPTables, "iptables")
	setDefault(&fw.IP6Tables, "ip6tables")
	setDefault(&fw.IPTablesSave, "iptables-save")
	setDefault(&fw.IPSet, "ipset")
	setDefault(&fw.ContainerChain, DefaultContainerChain)
	setDefault(&fw.HostChain, DefaultHostChain)
	setDefault(&fw.AddressSet, DefaultAddressSet)
	setDefault(&fw.NetworkSet, DefaultNetworkSet)

	if c.Jail == nil {
		c.Jail = &JailConfig{}
	}
	if c.Jail.MaxAttempts == 0 {
		c.Jail.MaxAttempts = DefaultMaxAttempts
	}
	if c.Jail.DurationMinutes == 0 {
		c.Jail.DurationMinutes = DefaultJailMinutes
	}

	if c.Ranges == nil {
		c.Ranges = &RangesConfig{}
	}
	if c.Ranges.IPCacheSize == 0 {
		c.Ranges.IPCacheSize = DefaultIPCacheSize
	}

	if c.Enrichment == nil {
		c.Enrichment = &EnrichmentConfig{}
	}
	setDefault(&c.Enrichment.LookupURL, DefaultLookupURL)
	if c.Enrichment.LookupsPerMinute == 0 {
		c.Enrichment.LookupsPerMinute = DefaultLookupsPerMinute
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Audit == nil {
		c.Audit = &AuditConfig{}
	}

	for i := range c.RuleChains {
		c.RuleChains[i].Action = normalizeAction(c.RuleChains[i].Action)
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
