package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mir00r/openflow-lb/internal/config"
	"github.com/mir00r/openflow-lb/internal/container"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

const version = "1.0.0"

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	source := "defaults"
	if _, err := os.Stat(configFile()); err == nil {
		source = "file"
	}

	envVars := []string{
		"OFLB_VIP", "OFLB_BACKENDS", "OFLB_STATS_INTERVAL", "OFLB_STATS_SWITCHES",
		"OFLB_PATH_TIMEOUT", "OFLB_ADMIN_PORT", "OFLB_LOG_LEVEL",
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return source + "+env"
		}
	}
	return source
}

func configFile() string {
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		return f
	}
	return "config.yaml"
}

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Admin.Port = getPort(cfg.Admin.Port)

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":       version,
		"vip":           cfg.VirtualService.IP,
		"backends":      len(cfg.Backends),
		"hosts":         len(cfg.Hosts),
		"admin_port":    cfg.Admin.Port,
		"southbound":    cfg.Southbound.Enabled,
		"config_source": getConfigSource(),
		"process":       getProcessInfo(),
	}).Info("OpenFlow load balancer configuration loaded")

	c, err := container.New(cfg, log, container.Options{
		Version:    version,
		ConfigFile: configFile(),
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to build controller")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start controller")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err, ok := <-c.Errors():
		if ok {
			log.WithError(err).Error("Admin server stopped unexpectedly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Admin.ShutdownTimeout)
	defer shutdownCancel()

	if err := c.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping controller")
	}
	log.Info("OpenFlow load balancer stopped gracefully")
}
