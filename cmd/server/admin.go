package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mir00r/openflow-lb/internal/config"
	"github.com/mir00r/openflow-lb/internal/middleware"
)

const defaultTokenTTL = 24 * time.Hour

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("Virtual service: %s (%s)\n", cfg.VirtualService.IP, cfg.VirtualService.MAC)
	fmt.Printf("Backends: %d\n", len(cfg.Backends))
	fmt.Printf("Hosts: %d\n", len(cfg.Hosts))
	fmt.Printf("Stats: every %s from %v\n", cfg.Stats.Interval, cfg.Stats.Switches)
	fmt.Printf("Path timeout: %s\n", cfg.Path.Timeout)
	fmt.Printf("Proxy ARP: %t\n", cfg.ProxyARP.Enabled)
	fmt.Printf("Southbound bridge: %t\n", cfg.Southbound.Enabled)
	fmt.Printf("Admin API: %t (port %d, auth %t)\n", cfg.Admin.Enabled, cfg.Admin.Port, cfg.Admin.Auth.Enabled)
	return nil
}

// runStats prints the backend pool and where each backend is attached
func runStats() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	backends, err := cfg.ToBackends()
	if err != nil {
		return err
	}
	locations, err := cfg.ToHostLocations()
	if err != nil {
		return err
	}
	attached := make(map[string]string, len(locations))
	for _, loc := range locations {
		attached[loc.IP.String()] = fmt.Sprintf("%s port %s", loc.DPID, loc.Port)
	}

	fmt.Printf("Total backends: %d\n", len(backends))
	for i, b := range backends {
		where, ok := attached[b.IP.String()]
		if !ok {
			where = "unknown location"
		}
		fmt.Printf("  Backend %d: %s %s %s at %s\n", i+1, b.ID, b.IP, b.MAC, where)
	}
	return nil
}

// runIssueToken prints a bearer token for the admin API
func runIssueToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: -admin token <subject> [ttl]")
	}
	ttl := defaultTokenTTL
	if len(args) > 1 {
		var err error
		if ttl, err = time.ParseDuration(args[1]); err != nil {
			return fmt.Errorf("invalid ttl: %w", err)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Admin.Auth.Secret == "" {
		return fmt.Errorf("admin.auth.secret is not configured")
	}

	token, err := middleware.IssueToken(cfg.Admin.Auth.Secret, cfg.Admin.Auth.Issuer, args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: openflow-lb -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  validate                - Validate configuration")
		fmt.Println("  stats                   - List backends and their attachment points")
		fmt.Println("  token <subject> [ttl]   - Issue an admin API token")
		os.Exit(1)
	}

	command := os.Args[2]
	var err error

	switch command {
	case "validate-config", "validate":
		err = runConfigValidation()
	case "stats":
		err = runStats()
	case "token":
		err = runIssueToken(os.Args[3:])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
