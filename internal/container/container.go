// Package container is the composition root of the controller. It builds
// every component from configuration, wires them together and owns their
// lifecycle.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mir00r/openflow-lb/internal/config"
	"github.com/mir00r/openflow-lb/internal/domain"
	"github.com/mir00r/openflow-lb/internal/eventloop"
	"github.com/mir00r/openflow-lb/internal/handler"
	"github.com/mir00r/openflow-lb/internal/middleware"
	"github.com/mir00r/openflow-lb/internal/ports"
	"github.com/mir00r/openflow-lb/internal/repository"
	"github.com/mir00r/openflow-lb/internal/server"
	"github.com/mir00r/openflow-lb/internal/service"
	"github.com/mir00r/openflow-lb/internal/southbound"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

const healthRefreshInterval = time.Second

// Options carries what the configuration file cannot
type Options struct {
	Version string
	// ConfigFile, when set and present on disk, is watched for runtime changes.
	ConfigFile string
	// PathRequester replaces the southbound bridge as the path service client.
	// Required when the bridge is disabled.
	PathRequester ports.PathRequester
}

// Container holds the wired controller
type Container struct {
	config  *config.Config
	options Options
	logger  *logger.Logger

	Metrics    *service.Metrics
	Pool       *repository.InMemoryBackendPool
	Hosts      *repository.HostLocationTable
	Loads      *repository.LoadTable
	Switches   *repository.SwitchRegistry
	Adjacency  *repository.AdjacencyTable
	Resolver   *service.PathResolver
	Installer  *service.FlowInstaller
	Poller     *service.StatsPoller
	Controller *service.Controller
	Events     *eventloop.Loop

	// Nil when disabled
	Bridge      *southbound.Bridge
	Limiter     *middleware.RateLimiter
	AdminServer *server.AdminServer
	GRPCHealth  *handler.GRPCHealthHandler
	Reloader    *service.ConfigReloadService

	virtualService domain.VirtualService

	mutex     sync.Mutex
	isStarted bool
	stopped   bool
	serveErr  chan error
}

// New builds every component from cfg. cfg must be valid.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Container, error) {
	c := &Container{
		config:  cfg,
		options: opts,
		logger:  log,
		Metrics: service.NewMetrics(),
	}

	if err := c.buildRepositories(); err != nil {
		return nil, err
	}
	if err := c.buildController(); err != nil {
		return nil, err
	}
	if cfg.Admin.Enabled {
		if err := c.buildAdmin(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) buildRepositories() error {
	backends, err := c.config.ToBackends()
	if err != nil {
		return err
	}
	c.Pool, err = repository.NewInMemoryBackendPool(backends)
	if err != nil {
		return err
	}

	locations, err := c.config.ToHostLocations()
	if err != nil {
		return err
	}
	c.Hosts, err = repository.NewHostLocationTable(locations)
	if err != nil {
		return err
	}

	c.Loads = repository.NewLoadTable(c.Pool.GetAll())
	c.Loads.OnPublish(c.Metrics.SetBackendLoads)

	c.Switches = repository.NewSwitchRegistry(c.logger)
	c.Metrics.RegisterSwitchGauge(func() float64 { return float64(c.Switches.Count()) })

	c.Adjacency = repository.NewAdjacencyTable()
	return nil
}

func (c *Container) buildController() error {
	cfg := c.config

	c.Events = eventloop.New(cfg.Events.QueueSize, c.logger)

	requester := c.options.PathRequester
	if cfg.Southbound.Enabled {
		c.Bridge = southbound.NewBridge(southbound.Config{
			OutboxSize: cfg.Southbound.OutboxSize,
			MaxWait:    cfg.Southbound.MaxWait,
		}, c.Events, c.logger)
		if requester == nil {
			requester = c.Bridge
		}
	}
	if requester == nil {
		return fmt.Errorf("no path service: enable southbound or supply a path requester")
	}

	var err error
	c.Resolver, err = service.NewPathResolver(service.PathResolverConfig{
		Timeout:   cfg.Path.Timeout,
		CacheTTL:  cfg.Path.CacheTTL,
		CacheSize: cfg.Path.CacheSize,
	}, requester, c.Metrics, c.logger)
	if err != nil {
		return err
	}

	c.Installer, err = service.NewFlowInstaller(service.FlowInstallerConfig{
		IdleTimeout: cfg.Flows.IdleTimeout,
		HardTimeout: cfg.Flows.HardTimeout,
		Priority:    uint16(cfg.Flows.Priority),
	}, c.Adjacency, c.Switches, c.Metrics, c.logger)
	if err != nil {
		return err
	}

	switches, err := cfg.StatsSwitches()
	if err != nil {
		return err
	}
	c.Poller, err = service.NewStatsPoller(service.StatsPollerConfig{
		Interval: cfg.Stats.Interval,
		Switches: switches,
	}, c.Switches, c.Loads, c.Metrics, c.logger)
	if err != nil {
		return err
	}

	vs, err := cfg.ToVirtualService()
	if err != nil {
		return err
	}
	c.virtualService = vs
	var proxyCfg service.ProxyConfig
	if cfg.ProxyARP.Enabled {
		if proxyCfg.Prefix, proxyCfg.MACPrefix, err = cfg.ProxyARPPrefix(); err != nil {
			return err
		}
	}

	deps := service.ControllerDeps{
		Service:   vs,
		Pool:      c.Pool,
		Hosts:     c.Hosts,
		Loads:     c.Loads,
		Switches:  c.Switches,
		Adjacency: c.Adjacency,
		Strategy:  service.NewLeastLoadStrategy(),
		Proxy:     service.NewVirtualServiceProxy(vs, c.Pool, proxyCfg),
		Resolver:  c.Resolver,
		Installer: c.Installer,
		Poller:    c.Poller,
		Metrics:   c.Metrics,
		Logger:    c.logger,
	}
	if cfg.PacketIn.RateLimit.Enabled {
		c.Limiter = middleware.NewRateLimiter(cfg.PacketIn.RateLimit, c.logger)
		deps.Limiter = c.Limiter
	}

	c.Controller, err = service.NewController(service.ControllerConfig{
		MaxPendingFlows:  cfg.PacketIn.MaxPendingFlows,
		FlowSetupTimeout: cfg.PacketIn.FlowSetupTimeout,
	}, deps)
	if err != nil {
		return err
	}

	if _, err := c.Events.Register(c.Controller); err != nil {
		return err
	}
	return nil
}

func (c *Container) buildAdmin() error {
	cfg := c.config.Admin

	routes := server.Routes{
		Admin: handler.NewAdminHandler(handler.AdminState{
			Service:    c.virtualService,
			Pool:       c.Pool,
			Hosts:      c.Hosts,
			Loads:      c.Loads,
			Switches:   c.Switches,
			Adjacency:  c.Adjacency,
			Controller: c.Controller,
		}, c.logger),
		Health:     handler.NewHealthHandler(c.options.Version, c.Controller.IsRunning),
		Metrics:    handler.NewMetricsHandler(c.Metrics.Registry(), c.logger),
		Southbound: c.Bridge,
	}

	if cfg.RateLimit.Enabled {
		routes.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit, c.logger)
	}
	if cfg.Auth.Enabled {
		auth, err := middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
			Secret:    cfg.Auth.Secret,
			Issuer:    cfg.Auth.Issuer,
			ClockSkew: 30 * time.Second,
			Paths:     []string{"/admin/", "/southbound/"},
		}, c.logger)
		if err != nil {
			return err
		}
		routes.Auth = auth
	}

	c.GRPCHealth = handler.NewGRPCHealthHandler(c.Controller.IsRunning, healthRefreshInterval, c.logger)
	c.AdminServer = server.NewAdminServer(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}, server.NewRouter(routes, c.logger), c.GRPCHealth.Server(), c.logger)
	return nil
}

// Start runs the controller and, when enabled, the admin server and the
// configuration watcher
func (c *Container) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isStarted {
		return nil
	}
	if c.stopped {
		return fmt.Errorf("container was stopped and cannot be restarted")
	}

	if err := c.Controller.Start(ctx); err != nil {
		return err
	}

	if c.AdminServer != nil {
		c.GRPCHealth.Refresh()
		c.GRPCHealth.Start(ctx)

		c.serveErr = make(chan error, 1)
		go func(srv *server.AdminServer, errCh chan<- error) {
			if err := srv.Start(); err != nil {
				c.logger.WithError(err).Error("Admin server failed")
				errCh <- err
			}
			close(errCh)
		}(c.AdminServer, c.serveErr)
	}

	if c.options.ConfigFile != "" {
		c.Reloader = service.NewConfigReloadService(c.config, c.options.ConfigFile, 0, c.logger)
		c.Reloader.RegisterReloadCallback(service.ApplyLogLevel(c.logger))
		if err := c.Reloader.StartWatcher(); err != nil {
			c.logger.WithError(err).Info("Configuration file not watched")
			c.Reloader = nil
		}
	}

	c.isStarted = true
	c.logger.WithFields(map[string]interface{}{
		"admin":      c.AdminServer != nil,
		"southbound": c.Bridge != nil,
		"backends":   c.Pool.Len(),
	}).Info("Container started")
	return nil
}

// Errors reports a failure of the admin server. The channel is closed when
// the server exits; it is nil when the admin API is disabled.
func (c *Container) Errors() <-chan error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.serveErr
}

// Stop shuts everything down in reverse dependency order. Events already
// queued are still delivered before the controller stops. A stopped
// container cannot be restarted.
func (c *Container) Stop(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isStarted {
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.Reloader != nil {
		c.Reloader.StopWatcher()
	}
	if c.AdminServer != nil {
		c.GRPCHealth.Stop()
		keep(c.AdminServer.Shutdown(ctx))
	}
	c.Events.Stop()
	keep(c.Controller.Stop(ctx))
	c.Resolver.Close()

	c.isStarted = false
	c.stopped = true
	c.logger.Info("Container stopped")
	return firstErr
}

// Config returns the configuration the container was built from
func (c *Container) Config() *config.Config {
	return c.config
}
