package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is prepended to every environment variable, e.g.
	// ROUTER_CORE_PROJECT, ROUTER_APP_CIDRS. envconfig falls back to the
	// bare tag name, so legacy CORE_PROJECT-style variables keep working.
	EnvPrefix = "router"

	DefaultRouteTableID   = 1
	DefaultRouteTableName = "rt1"
	DefaultAppNICIndex    = 1
	DefaultWorkerLimit    = 8
	DefaultProbeURL       = "http://mirrorlist.centos.org/"
	DefaultWaitTimeout    = 10 * time.Minute
	DefaultStatusDocRoot  = "/usr/share/nginx/html"
	DefaultGroupPattern   = "router"
)

// Config describes one router instance bootstrap. The platform injects the
// ROUTER_* environment variables through instance metadata; a YAML file can
// pre-seed values for local runs and the environment overrides it.
type Config struct {
	CoreProject string   `yaml:"core_project" envconfig:"CORE_PROJECT"`
	CoreNetwork string   `yaml:"core_network" envconfig:"CORE_NETWORK"`
	CoreCIDRs   []string `yaml:"core_cidrs" envconfig:"CORE_CIDRS"`

	AppProject    string   `yaml:"app_project" envconfig:"APP_PROJECT"`
	AppNetwork    string   `yaml:"app_network" envconfig:"APP_NETWORK"`
	AppCIDRs      []string `yaml:"app_cidrs" envconfig:"APP_CIDRS"`
	AppSubnetCIDR string   `yaml:"app_subnet_cidr" envconfig:"APP_SUBNET_CIDR"`

	RoutePriority int64 `yaml:"route_priority" envconfig:"ROUTE_PRIORITY"`

	RouteTableID   int    `yaml:"route_table_id" envconfig:"ROUTE_TABLE_ID"`
	RouteTableName string `yaml:"route_table_name" envconfig:"ROUTE_TABLE_NAME"`

	// AppNICIndex is a pointer so an explicit 0 (use NIC0) survives
	// defaulting.
	AppNICIndex *int `yaml:"app_nic_index" envconfig:"APP_NIC_INDEX"`

	// WorkerLimit caps concurrent cloud API calls in the pruner and the
	// route programmer.
	WorkerLimit int `yaml:"worker_limit" envconfig:"WORKER_LIMIT"`

	// ProbeURL is an unrelated public URL used only as an "outbound network
	// is up" proxy before installing the status endpoint.
	ProbeURL string `yaml:"probe_url" envconfig:"PROBE_URL"`

	// NetworkWaitTimeout bounds the connectivity wait; an explicit 0 waits
	// forever (the legacy behavior), so the field is a pointer to keep
	// "unset" apart from 0.
	NetworkWaitTimeout *time.Duration `yaml:"network_wait_timeout" envconfig:"NETWORK_WAIT_TIMEOUT"`

	StatusDocRoot string `yaml:"status_doc_root" envconfig:"STATUS_DOC_ROOT"`

	// GroupPattern is the substring used by the reporter to auto-discover
	// the managing instance group.
	GroupPattern string `yaml:"group_pattern" envconfig:"GROUP_PATTERN"`

	STUNServers []string `yaml:"stun_servers" envconfig:"STUN_SERVERS"`
}

// Load reads the optional YAML file, then overlays ROUTER_* environment
// variables, then fills defaults. Validate is left to the caller so usage
// errors can be reported before any mutation begins.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.RouteTableID == 0 {
		cfg.RouteTableID = DefaultRouteTableID
	}
	if cfg.RouteTableName == "" {
		cfg.RouteTableName = DefaultRouteTableName
	}
	if cfg.AppNICIndex == nil {
		idx := DefaultAppNICIndex
		cfg.AppNICIndex = &idx
	}
	if cfg.WorkerLimit == 0 {
		cfg.WorkerLimit = DefaultWorkerLimit
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = DefaultProbeURL
	}
	if cfg.NetworkWaitTimeout == nil {
		d := DefaultWaitTimeout
		cfg.NetworkWaitTimeout = &d
	}
	if cfg.StatusDocRoot == "" {
		cfg.StatusDocRoot = DefaultStatusDocRoot
	}
	if cfg.GroupPattern == "" {
		cfg.GroupPattern = DefaultGroupPattern
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{"stun.l.google.com:19302"}
	}
}

// Validate checks required fields and CIDR syntax. It runs before the first
// provisioning step so a bad environment never half-configures the host.
func Validate(cfg Config) error {
	required := []struct{ name, val string }{
		{"core_project", cfg.CoreProject},
		{"core_network", cfg.CoreNetwork},
		{"app_project", cfg.AppProject},
		{"app_network", cfg.AppNetwork},
		{"app_subnet_cidr", cfg.AppSubnetCIDR},
	}
	for _, f := range required {
		if f.val == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}
	if len(cfg.CoreCIDRs) == 0 {
		return fmt.Errorf("core_cidrs is required")
	}
	if len(cfg.AppCIDRs) == 0 {
		return fmt.Errorf("app_cidrs is required")
	}
	if cfg.RoutePriority <= 0 {
		return fmt.Errorf("route_priority must be positive")
	}
	if cfg.AppNICIndex != nil && *cfg.AppNICIndex < 0 {
		return fmt.Errorf("app_nic_index must not be negative")
	}
	for _, cidr := range append(append([]string{cfg.AppSubnetCIDR}, cfg.CoreCIDRs...), cfg.AppCIDRs...) {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("bad CIDR %q: %w", cidr, err)
		}
	}
	return nil
}
