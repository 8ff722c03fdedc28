/*
Package service implements the application layer of the OpenFlow load balancer.

It sits between the domain entities and the transports. Switch events arrive
through the event loop as listener calls on the Controller, which consults
the repositories and drives the other services to answer ARP, resolve paths
and install forwarding rules.

Key Components:

Controller:
The orchestrator. It implements every event listener interface of the ports
package and owns the statistics poller.

	controller, err := service.NewController(
		service.ControllerConfig{MaxPendingFlows: 256, FlowSetupTimeout: 5 * time.Second},
		service.ControllerDeps{
			Service:   vs,
			Pool:      pool,
			Hosts:     hosts,
			Loads:     loads,
			Switches:  switches,
			Adjacency: adjacency,
			Strategy:  service.NewLeastLoadStrategy(),
			Proxy:     service.NewVirtualServiceProxy(vs, pool, service.ProxyConfig{}),
			Resolver:  resolver,
			Installer: installer,
			Poller:    poller,
			Metrics:   metrics,
			Logger:    log,
		},
	)

ARP is answered inline on the event loop. IPv4 packets that need a new flow
are handed to a worker goroutine; at most MaxPendingFlows setups run at once
and packets beyond that are dropped.

Least-Load Strategy:
Picks the backend with the fewest installed rules in the last published load
snapshot. Ties go to the backend listed first in the pool.

	backend, err := service.NewLeastLoadStrategy().Select(pool.GetAll(), loads.Snapshot())

Path Resolver:
Client of the external path service. Each request carries a fresh token and
blocks its caller until the matching response arrives, the timeout expires
or the context is cancelled. Concurrent requests for the same switch pair
share one outstanding request. Answered paths are cached for CacheTTL or
until the topology changes.

	path, err := resolver.Resolve(ctx, ingress, egress)

Flow Installer:
Plans one rule per hop of a path, resolving every output port before any
rule is sent, then installs from the egress switch back to the ingress and
releases the original packet at the egress.

	plan, err := installer.PlanClientToService(path, frame, backend, backendPort)
	result, err := installer.Install(plan)

Statistics Poller:
Sends a flow statistics request to each polled switch every interval. The
replies of one cycle are folded into the load table, which publishes a new
snapshot when the next cycle begins.

Virtual Service Proxy:
Classifies punted frames and builds ARP replies for the virtual service and,
when enabled, for any address inside the proxied prefix.

Metrics:
Prometheus collectors on a private registry, exposed by the admin API.

	metrics := service.NewMetrics()
	handler.NewMetricsHandler(metrics.Registry(), log)

Configuration Reload:
Watches the configuration file and applies the logging level at runtime.
Changes to other sections are logged as requiring a restart.

	reloader := service.NewConfigReloadService(cfg, "config.yaml", 5*time.Second, log)
	reloader.RegisterReloadCallback(service.ApplyLogLevel(log))
	err := reloader.StartWatcher()

Error Handling:
Services return *errors.ControllerError values whose code names the failure,
for example PATH_NOT_FOUND or SWITCH_UNAVAILABLE. Flow setup metrics are
labelled with that code.

Package Structure:
- load_balancer.go: the Controller
- strategies.go: backend selection
- path_resolver.go: path service client
- flow_installer.go: rule planning and installation
- stats_poller.go: periodic statistics requests
- proxy.go: packet classification and ARP replies
- metrics.go: Prometheus collectors
- config_reload.go: configuration hot-reload
*/
package service
