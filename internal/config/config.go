package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/openflow-lb/internal/domain"
	lberrors "github.com/mir00r/openflow-lb/internal/errors"
	"github.com/mir00r/openflow-lb/internal/middleware"
)

// Config represents the main configuration structure
type Config struct {
	VirtualService VirtualServiceConfig `yaml:"virtual_service"`
	Backends       []BackendConfig      `yaml:"backends"`
	Hosts          []HostConfig         `yaml:"hosts"`
	Stats          StatsConfig          `yaml:"stats"`
	Flows          FlowsConfig          `yaml:"flows"`
	Path           PathConfig           `yaml:"path"`
	ProxyARP       ProxyARPConfig       `yaml:"proxy_arp"`
	PacketIn       PacketInConfig       `yaml:"packet_in"`
	Events         EventsConfig         `yaml:"events"`
	Southbound     SouthboundConfig     `yaml:"southbound"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// VirtualServiceConfig is the address clients connect to
type VirtualServiceConfig struct {
	IP  string `yaml:"ip"`
	MAC string `yaml:"mac"`
}

// BackendConfig describes one pool member. Pool order is file order.
type BackendConfig struct {
	ID  string `yaml:"id"`
	IP  string `yaml:"ip"`
	MAC string `yaml:"mac"`
}

// HostConfig is the attachment point of a host
type HostConfig struct {
	IP   string `yaml:"ip"`
	DPID string `yaml:"dpid"`
	Port int    `yaml:"port"`
}

// StatsConfig controls flow statistics polling
type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
	Switches []string      `yaml:"switches"`
}

// FlowsConfig holds the parameters of installed rules
type FlowsConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
	Priority    int           `yaml:"priority"`
}

// PathConfig controls path resolution. A CacheTTL of zero disables the path
// cache, so every flow, replies included, asks the path service again.
type PathConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// ProxyARPConfig controls answers to ARP requests for hosts other than the
// virtual service
type ProxyARPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Prefix    string `yaml:"prefix"`
	MACPrefix string `yaml:"mac_prefix"`
}

// PacketInConfig bounds the flow setup pipeline
type PacketInConfig struct {
	MaxPendingFlows  int64                      `yaml:"max_pending_flows"`
	FlowSetupTimeout time.Duration              `yaml:"flow_setup_timeout"`
	RateLimit        middleware.RateLimitConfig `yaml:"rate_limit"`
}

// EventsConfig sizes the event loop queues
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// SouthboundConfig controls the HTTP bridge to switch agents and the path service.
// MaxWait caps agent long-polls and must be shorter than admin.write_timeout.
type SouthboundConfig struct {
	Enabled    bool          `yaml:"enabled"`
	OutboxSize int           `yaml:"outbox_size"`
	MaxWait    time.Duration `yaml:"max_wait"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled         bool                       `yaml:"enabled"`
	Port            int                        `yaml:"port"`
	ReadTimeout     time.Duration              `yaml:"read_timeout"`
	WriteTimeout    time.Duration              `yaml:"write_timeout"`
	IdleTimeout     time.Duration              `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration              `yaml:"shutdown_timeout"`
	Auth            AuthConfig                 `yaml:"auth"`
	RateLimit       middleware.RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig enables bearer token checks on admin routes
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the reference deployment: four backends behind
// 10.0.0.100 on a six-switch fabric, polled through switches 1 and 3.
func DefaultConfig() *Config {
	backends := make([]BackendConfig, 0, 4)
	for i := 1; i <= 4; i++ {
		backends = append(backends, BackendConfig{
			ID:  fmt.Sprintf("s%d", i),
			IP:  fmt.Sprintf("10.0.0.%d", i),
			MAC: fmt.Sprintf("00:00:00:00:00:%02x", i),
		})
	}

	attach := []struct {
		dpid string
		port int
	}{
		{"1", 3}, {"1", 4}, {"3", 3}, {"3", 4},
		{"5", 2}, {"5", 3}, {"6", 2}, {"6", 3},
	}
	hosts := make([]HostConfig, 0, len(attach))
	for i, a := range attach {
		hosts = append(hosts, HostConfig{
			IP:   fmt.Sprintf("10.0.0.%d", i+1),
			DPID: a.dpid,
			Port: a.port,
		})
	}

	return &Config{
		VirtualService: VirtualServiceConfig{
			IP:  "10.0.0.100",
			MAC: "0a:00:00:64:00:00",
		},
		Backends: backends,
		Hosts:    hosts,
		Stats: StatsConfig{
			Interval: time.Second,
			Switches: []string{"1", "3"},
		},
		Flows: FlowsConfig{
			IdleTimeout: 2 * time.Second,
			HardTimeout: 5 * time.Second,
			Priority:    0x8000,
		},
		Path: PathConfig{
			Timeout:   3 * time.Second,
			CacheTTL:  5 * time.Second,
			CacheSize: 1024,
		},
		ProxyARP: ProxyARPConfig{
			Enabled:   true,
			Prefix:    "10.0.0.0/24",
			MACPrefix: "00:00:00:00:00",
		},
		PacketIn: PacketInConfig{
			MaxPendingFlows:  256,
			FlowSetupTimeout: 5 * time.Second,
			RateLimit: middleware.RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 500,
				BurstSize:         1000,
			},
		},
		Events: EventsConfig{
			QueueSize: 1024,
		},
		Southbound: SouthboundConfig{
			Enabled:    true,
			OutboxSize: 4096,
			MaxWait:    20 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:         true,
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Auth: AuthConfig{
				Issuer: "openflow-lb",
			},
			RateLimit: middleware.RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				BurstSize:         100,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	config, err := readFile(filename)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeInvalidConfig, "config", "invalid configuration")
	}
	return config, nil
}

func readFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to read config file %s", filename))
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to parse config file %s", filename))
	}
	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if _, err := c.ToVirtualService(); err != nil {
		return err
	}

	if len(c.Backends) == 0 {
		return lberrors.NewEmptyPoolError()
	}
	backends, err := c.ToBackends()
	if err != nil {
		return err
	}

	hosts, err := c.ToHostLocations()
	if err != nil {
		return err
	}
	located := make(map[netip.Addr]bool, len(hosts))
	for _, h := range hosts {
		if located[h.IP] {
			return fmt.Errorf("hosts: duplicate entry for %s", h.IP)
		}
		located[h.IP] = true
	}
	for _, b := range backends {
		if !located[b.IP] {
			return fmt.Errorf("backend %s: no host entry for %s", b.ID, b.IP)
		}
	}

	// Validate statistics polling
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	if _, err := c.StatsSwitches(); err != nil {
		return err
	}

	// Validate flow rules
	if err := validateRuleTimeout("flows.idle_timeout", c.Flows.IdleTimeout); err != nil {
		return err
	}
	if err := validateRuleTimeout("flows.hard_timeout", c.Flows.HardTimeout); err != nil {
		return err
	}
	if c.Flows.Priority < 0 || c.Flows.Priority > 0xffff {
		return fmt.Errorf("flows.priority out of range: %d", c.Flows.Priority)
	}

	// Validate path resolution
	if c.Path.Timeout <= 0 {
		return fmt.Errorf("path.timeout must be positive")
	}
	if c.Path.CacheTTL < 0 {
		return fmt.Errorf("path.cache_ttl cannot be negative")
	}

	if c.ProxyARP.Enabled {
		if _, _, err := c.ProxyARPPrefix(); err != nil {
			return err
		}
	}

	// Validate packet-in pipeline
	if c.PacketIn.MaxPendingFlows <= 0 {
		return fmt.Errorf("packet_in.max_pending_flows must be positive")
	}
	if c.PacketIn.FlowSetupTimeout <= 0 {
		return fmt.Errorf("packet_in.flow_setup_timeout must be positive")
	}
	if err := validateRateLimit("packet_in.rate_limit", c.PacketIn.RateLimit); err != nil {
		return err
	}

	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive")
	}
	if c.Southbound.Enabled && c.Southbound.OutboxSize <= 0 {
		return fmt.Errorf("southbound.outbox_size must be positive")
	}

	// Validate admin API
	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
		}
		if c.Admin.Auth.Enabled && c.Admin.Auth.Secret == "" {
			return fmt.Errorf("admin.auth.secret is required when auth is enabled")
		}
		if err := validateRateLimit("admin.rate_limit", c.Admin.RateLimit); err != nil {
			return err
		}
	}
	if c.Southbound.Enabled && !c.Admin.Enabled {
		return fmt.Errorf("southbound bridge is served by the admin server, enable admin")
	}
	if c.Southbound.Enabled {
		if c.Southbound.MaxWait <= 0 {
			return fmt.Errorf("southbound.max_wait must be positive")
		}
		if c.Admin.WriteTimeout > 0 && c.Southbound.MaxWait >= c.Admin.WriteTimeout {
			return fmt.Errorf("southbound.max_wait (%s) must be shorter than admin.write_timeout (%s)",
				c.Southbound.MaxWait, c.Admin.WriteTimeout)
		}
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

func validateRuleTimeout(name string, d time.Duration) error {
	if d < 0 || d > 0xffff*time.Second {
		return fmt.Errorf("%s out of range: %s", name, d)
	}
	if d%time.Second != 0 {
		return fmt.Errorf("%s must be a whole number of seconds: %s", name, d)
	}
	return nil
}

func validateRateLimit(name string, rl middleware.RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if rl.RequestsPerSecond <= 0 {
		return fmt.Errorf("%s.requests_per_second must be positive", name)
	}
	if rl.BurstSize <= 0 {
		return fmt.Errorf("%s.burst_size must be positive", name)
	}
	return nil
}

// ToVirtualService converts to the domain virtual service
func (c *Config) ToVirtualService() (domain.VirtualService, error) {
	ip, err := parseIPv4(c.VirtualService.IP)
	if err != nil {
		return domain.VirtualService{}, fmt.Errorf("virtual_service.ip: %w", err)
	}
	mac, err := net.ParseMAC(c.VirtualService.MAC)
	if err != nil || len(mac) != 6 {
		return domain.VirtualService{}, fmt.Errorf("virtual_service.mac: invalid address %q", c.VirtualService.MAC)
	}
	return domain.VirtualService{IP: ip, MAC: mac}, nil
}

// ToBackends converts backend configurations to domain backends, keeping order
func (c *Config) ToBackends() ([]*domain.Backend, error) {
	backends := make([]*domain.Backend, 0, len(c.Backends))
	ids := make(map[string]bool, len(c.Backends))
	ips := make(map[netip.Addr]bool, len(c.Backends))

	for i, bc := range c.Backends {
		if bc.ID == "" {
			return nil, fmt.Errorf("backend[%d]: ID cannot be empty", i)
		}
		if ids[bc.ID] {
			return nil, fmt.Errorf("backend[%d]: duplicate ID '%s'", i, bc.ID)
		}
		ids[bc.ID] = true

		ip, err := parseIPv4(bc.IP)
		if err != nil {
			return nil, fmt.Errorf("backend[%d]: %w", i, err)
		}
		if ips[ip] {
			return nil, fmt.Errorf("backend[%d]: duplicate IP %s", i, ip)
		}
		ips[ip] = true

		mac, err := net.ParseMAC(bc.MAC)
		if err != nil || len(mac) != 6 {
			return nil, fmt.Errorf("backend[%d]: invalid MAC %q", i, bc.MAC)
		}
		backends = append(backends, &domain.Backend{ID: bc.ID, IP: ip, MAC: mac})
	}
	return backends, nil
}

// ToHostLocations converts the host table
func (c *Config) ToHostLocations() ([]domain.HostLocation, error) {
	hosts := make([]domain.HostLocation, 0, len(c.Hosts))
	for i, hc := range c.Hosts {
		ip, err := parseIPv4(hc.IP)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d]: %w", i, err)
		}
		dpid, err := domain.ParseDPID(hc.DPID)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d]: %w", i, err)
		}
		if hc.Port <= 0 || hc.Port >= int(domain.PortInPort) {
			return nil, fmt.Errorf("hosts[%d]: invalid port %d", i, hc.Port)
		}
		hosts = append(hosts, domain.HostLocation{IP: ip, DPID: dpid, Port: domain.PortNo(hc.Port)})
	}
	return hosts, nil
}

// StatsSwitches returns the switches polled for statistics
func (c *Config) StatsSwitches() ([]domain.DPID, error) {
	if len(c.Stats.Switches) == 0 {
		return nil, fmt.Errorf("stats.switches cannot be empty")
	}
	switches := make([]domain.DPID, 0, len(c.Stats.Switches))
	seen := make(map[domain.DPID]bool, len(c.Stats.Switches))
	for _, s := range c.Stats.Switches {
		dpid, err := domain.ParseDPID(s)
		if err != nil {
			return nil, fmt.Errorf("stats.switches: %w", err)
		}
		if seen[dpid] {
			continue
		}
		seen[dpid] = true
		switches = append(switches, dpid)
	}
	return switches, nil
}

// ProxyARPPrefix returns the address range answered with synthetic link
// addresses and the five leading octets of those addresses
func (c *Config) ProxyARPPrefix() (netip.Prefix, net.HardwareAddr, error) {
	prefix, err := netip.ParsePrefix(c.ProxyARP.Prefix)
	if err != nil || !prefix.Addr().Is4() {
		return netip.Prefix{}, nil, fmt.Errorf("proxy_arp.prefix: invalid IPv4 prefix %q", c.ProxyARP.Prefix)
	}
	mac, err := parseMACPrefix(c.ProxyARP.MACPrefix)
	if err != nil {
		return netip.Prefix{}, nil, fmt.Errorf("proxy_arp.mac_prefix: %w", err)
	}
	return prefix.Masked(), mac, nil
}

func parseMACPrefix(s string) (net.HardwareAddr, error) {
	// net.ParseMAC only accepts full addresses, so pad and trim.
	mac, err := net.ParseMAC(strings.TrimSpace(s) + ":00")
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("invalid five-octet prefix %q", s)
	}
	return mac[:5], nil
}

func parseIPv4(s string) (netip.Addr, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address %q", s)
	}
	if !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", ip)
	}
	return ip, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
