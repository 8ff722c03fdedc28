package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "OFLB_"

// ApplyEnvironment overrides config with OFLB_* environment variables.
// Unparseable values are reported, not silently ignored.
func ApplyEnvironment(config *Config) error {
	var errs []string
	record := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	// Virtual service
	if ip := getEnv("VIP", ""); ip != "" {
		config.VirtualService.IP = ip
	}
	if mac := getEnv("VIP_MAC", ""); mac != "" {
		config.VirtualService.MAC = mac
	}
	if backends := getEnv("BACKENDS", ""); backends != "" {
		parsed, err := parseBackendsFromEnv(backends)
		record(err)
		if err == nil {
			config.Backends = parsed
		}
	}

	// Statistics and flows
	record(envDuration("STATS_INTERVAL", &config.Stats.Interval))
	if switches := getEnv("STATS_SWITCHES", ""); switches != "" {
		config.Stats.Switches = splitList(switches)
	}
	record(envDuration("FLOW_IDLE_TIMEOUT", &config.Flows.IdleTimeout))
	record(envDuration("FLOW_HARD_TIMEOUT", &config.Flows.HardTimeout))

	// Path resolution
	record(envDuration("PATH_TIMEOUT", &config.Path.Timeout))
	record(envDuration("PATH_CACHE_TTL", &config.Path.CacheTTL))

	// Packet-in pipeline
	if v := getEnv("MAX_PENDING_FLOWS", ""); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			record(fmt.Errorf("%sMAX_PENDING_FLOWS: %w", envPrefix, err))
		} else {
			config.PacketIn.MaxPendingFlows = n
		}
	}
	record(envBool("RATE_LIMIT_ENABLED", &config.PacketIn.RateLimit.Enabled))
	if v := getEnv("RATE_LIMIT_RPS", ""); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			record(fmt.Errorf("%sRATE_LIMIT_RPS: %w", envPrefix, err))
		} else {
			config.PacketIn.RateLimit.RequestsPerSecond = rps
		}
	}
	record(envInt("RATE_LIMIT_BURST", &config.PacketIn.RateLimit.BurstSize))

	// Admin API
	record(envBool("ADMIN_ENABLED", &config.Admin.Enabled))
	record(envInt("ADMIN_PORT", &config.Admin.Port))
	if secret := getEnv("JWT_SECRET", ""); secret != "" {
		config.Admin.Auth.Enabled = true
		config.Admin.Auth.Secret = secret
	}
	record(envBool("SOUTHBOUND_ENABLED", &config.Southbound.Enabled))

	// Logging
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		config.Logging.Format = format
	}
	if output := getEnv("LOG_OUTPUT", ""); output != "" {
		config.Logging.Output = output
	}
	if file := getEnv("LOG_FILE", ""); file != "" {
		config.Logging.File = file
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// getEnv gets an OFLB_ prefixed environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, target *time.Duration) error {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*target = d
	return nil
}

func envInt(key string, target *int) error {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*target = n
	return nil
}

func envBool(key string, target *bool) error {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*target = b
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBackendsFromEnv parses backends from environment variable
// Format: "id1=ip1=mac1,id2=ip2=mac2"
// Example: "s1=10.0.0.1=00:00:00:00:00:01,s2=10.0.0.2=00:00:00:00:00:02"
func parseBackendsFromEnv(backends string) ([]BackendConfig, error) {
	var backendConfigs []BackendConfig
	for _, entry := range splitList(backends) {
		parts := strings.Split(entry, "=")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%sBACKENDS: expected id=ip=mac, got %q", envPrefix, entry)
		}
		backendConfigs = append(backendConfigs, BackendConfig{
			ID:  parts[0],
			IP:  parts[1],
			MAC: parts[2],
		})
	}
	return backendConfigs, nil
}

// LoadConfig loads configuration with priority: env vars > config file > defaults.
// The file named by CONFIG_FILE (default config.yaml) is optional.
func LoadConfig() (*Config, error) {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	return Load(configFile)
}

// Load reads filename if it exists, applies the environment and validates
// the result
func Load(filename string) (*Config, error) {
	config := DefaultConfig()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			config, err = readFile(filename)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := ApplyEnvironment(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
