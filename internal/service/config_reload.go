package service

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/openflow-lb/internal/config"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

// ConfigReloadService watches the configuration file and applies the
// settings that can change at runtime. Changes to any other section are
// reported and take effect on the next restart.
type ConfigReloadService struct {
	config          *config.Config
	configFilePath  string
	interval        time.Duration
	logger          *logger.Logger
	mutex           sync.RWMutex
	reloadCallbacks []func(*config.Config) error
	watcherStop     chan struct{}
	wg              sync.WaitGroup
	lastModTime     time.Time
	reloads         int64
	failures        int64
}

// NewConfigReloadService creates a new configuration reload service
func NewConfigReloadService(cfg *config.Config, configFilePath string, interval time.Duration, log *logger.Logger) *ConfigReloadService {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ConfigReloadService{
		config:         cfg,
		configFilePath: configFilePath,
		interval:       interval,
		logger:         log.WithField("component", "config_reload"),
	}
}

// RegisterReloadCallback registers a callback to be called when config is reloaded
func (crs *ConfigReloadService) RegisterReloadCallback(callback func(*config.Config) error) {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	crs.reloadCallbacks = append(crs.reloadCallbacks, callback)
}

// StartWatcher starts the configuration file watcher
func (crs *ConfigReloadService) StartWatcher() error {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	crs.mutex.Lock()
	if crs.watcherStop != nil {
		crs.mutex.Unlock()
		return nil
	}
	crs.lastModTime = info.ModTime()
	stop := make(chan struct{})
	crs.watcherStop = stop
	crs.mutex.Unlock()

	crs.wg.Add(1)
	go crs.watchConfigFile(stop)

	crs.logger.WithFields(map[string]interface{}{
		"config_file": crs.configFilePath,
		"interval":    crs.interval.String(),
	}).Info("Started configuration file watcher")
	return nil
}

// StopWatcher stops the configuration file watcher
func (crs *ConfigReloadService) StopWatcher() {
	crs.mutex.Lock()
	stop := crs.watcherStop
	crs.watcherStop = nil
	crs.mutex.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	crs.wg.Wait()
	crs.logger.Info("Stopped configuration file watcher")
}

func (crs *ConfigReloadService) watchConfigFile(stop <-chan struct{}) {
	defer crs.wg.Done()

	ticker := time.NewTicker(crs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := crs.checkConfigFileModification(); err != nil {
				atomic.AddInt64(&crs.failures, 1)
				crs.logger.WithError(err).Error("Failed to reload configuration")
			}
		case <-stop:
			return
		}
	}
}

// checkConfigFileModification reloads the file when its modification time moved
func (crs *ConfigReloadService) checkConfigFileModification() error {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	crs.mutex.RLock()
	unchanged := info.ModTime().Equal(crs.lastModTime)
	crs.mutex.RUnlock()
	if unchanged {
		return nil
	}

	newConfig, err := config.Load(crs.configFilePath)

	crs.mutex.Lock()
	crs.lastModTime = info.ModTime()
	crs.mutex.Unlock()

	if err != nil {
		return err
	}
	return crs.ReloadConfig(newConfig)
}

// ReloadConfig applies newConfig. The configuration must already be valid.
func (crs *ConfigReloadService) ReloadConfig(newConfig *config.Config) error {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()

	if sections := RestartRequired(crs.config, newConfig); len(sections) > 0 {
		crs.logger.WithField("sections", sections).Warn("Configuration changes require a restart")
	}

	for _, callback := range crs.reloadCallbacks {
		if err := callback(newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	crs.config = newConfig
	atomic.AddInt64(&crs.reloads, 1)
	crs.logger.Info("Configuration reloaded successfully")
	return nil
}

// RestartRequired lists the top-level sections that differ between old and
// updated, other than the logging level
func RestartRequired(old, updated *config.Config) []string {
	a, b := *old, *updated
	a.Logging.Level, b.Logging.Level = "", ""

	var sections []string
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	for i := 0; i < t.NumField(); i++ {
		if !reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			name := t.Field(i).Tag.Get("yaml")
			if name == "" {
				name = t.Field(i).Name
			}
			sections = append(sections, name)
		}
	}
	return sections
}

// ApplyLogLevel returns a reload callback that sets the level of log, and
// of every logger derived from it, to the configured one
func ApplyLogLevel(log *logger.Logger) func(*config.Config) error {
	return func(cfg *config.Config) error {
		level, err := logrus.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return err
		}
		if log.GetLevel() != level {
			log.SetLevel(level)
			log.WithField("level", level.String()).Info("Log level changed")
		}
		return nil
	}
}

// GetCurrentConfig returns the current configuration
func (crs *ConfigReloadService) GetCurrentConfig() *config.Config {
	crs.mutex.RLock()
	defer crs.mutex.RUnlock()
	return crs.config
}

// GetReloadStats returns reload statistics
func (crs *ConfigReloadService) GetReloadStats() map[string]interface{} {
	crs.mutex.RLock()
	defer crs.mutex.RUnlock()

	return map[string]interface{}{
		"config_file":     crs.configFilePath,
		"watcher_active":  crs.watcherStop != nil,
		"callbacks_count": len(crs.reloadCallbacks),
		"reloads":         atomic.LoadInt64(&crs.reloads),
		"failures":        atomic.LoadInt64(&crs.failures),
		"last_modified":   crs.lastModTime,
	}
}
