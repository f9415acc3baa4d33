// Package router assembles the request router: endpoint registry, stats
// collectors, workflow manager, message broker, routing strategies and the
// HTTP surface, all run under one process group.
package router

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/infergate/infergate/pkg/router/config"
	"github.com/infergate/infergate/pkg/router/discovery"
	"github.com/infergate/infergate/pkg/router/errkind"
	"github.com/infergate/infergate/pkg/router/messaging"
	"github.com/infergate/infergate/pkg/router/metrics"
	"github.com/infergate/infergate/pkg/router/proxy"
	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/routerutil"
	"github.com/infergate/infergate/pkg/router/stats"
	"github.com/infergate/infergate/pkg/router/strategy"
	"github.com/infergate/infergate/pkg/router/version"
	"github.com/infergate/infergate/pkg/router/workflow"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return dtime.Now() }

// Main runs the router until the context is cancelled or a fatal error
// occurs. The process environment (possibly merged with CLI flags by the
// caller) is taken from the context; if absent it is loaded here.
func Main(ctx context.Context, _ ...string) error {
	dlog.Infof(ctx, "Infergate router %s [pid:%d]", version.Version, os.Getpid())

	env := routerutil.GetEnv(ctx)
	if env == nil {
		var err error
		if ctx, err = routerutil.LoadEnv(ctx); err != nil {
			return err
		}
		env = routerutil.GetEnv(ctx)
	}

	doc := config.FromEnv(env)
	if doc.ServiceDiscovery == config.DiscoveryDynamic && env.DynamicConfigPath == "" {
		return errkind.ConfigInvalid.New("dynamic service discovery requires a config file path")
	}

	clock := wallClock{}
	reg := registry.New()
	tracker := stats.NewTracker(clock, env.RequestStatsWindow)
	engines := stats.NewEnginePoller(clock, reg, env.EngineStatsInterval)
	workflows := workflow.NewManager(clock, env.WorkflowTTL, env.MaxWorkflows)
	broker := messaging.NewBroker(clock, env.MaxMessageQueueSize, env.MaxMessageSize, workflows.Agents)
	bundle := metrics.NewBundle()

	// An endpoint that leaves the set takes its stats and metric series with
	// it; a workflow that expires takes its message queues.
	reg.AddRemovalListener(tracker.Drop)
	reg.AddRemovalListener(workflows.Unbind)
	reg.AddRemovalListener(bundle.OnEndpointRemoved)
	workflows.AddEvictionListener(broker.DropWorkflow)
	workflows.AddEvictionListener(bundle.OnWorkflowEvicted)
	broker.SetQueueSizeFunc(func(workflowID, agentID string, n int) {
		bundle.AgentQueueSize.WithLabelValues(workflowID, agentID).Set(float64(n))
	})

	rt := config.NewRuntime(strategy.Deps{
		Clock:     clock,
		Engine:    engines,
		Requests:  tracker,
		Workflows: workflows,
	})

	// In static and dynamic modes the endpoint set comes out of the config
	// document itself; cluster mode populates the registry from pods instead.
	if doc.ServiceDiscovery != config.DiscoveryCluster {
		rt.OnApply(discovery.NewResolver(clock, reg).Apply)
	}
	if err := rt.Apply(ctx, doc); err != nil {
		return err
	}

	dispatcher := proxy.NewDispatcher(clock, rt, reg, tracker, workflows, bundle, env.RequestTimeout)
	handlers := proxy.NewHandlers(dispatcher, rt, reg, workflows, broker, engines, tracker, bundle)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})

	g.Go("httpd", func(ctx context.Context) error {
		addr := fmt.Sprintf("%s:%d", env.ServerHost, env.ServerPort)
		sc := &dhttp.ServerConfig{
			Handler:  handlers.Mux(),
			ErrorLog: dlog.StdLogger(ctx, dlog.LogLevelError),
		}
		dlog.Infof(ctx, "listening on %s", addr)
		err := sc.ListenAndServe(ctx, addr)
		dispatcher.Drain(env.DrainTimeout)
		return err
	})

	g.Go("engine-stats", engines.Run)
	g.Go("workflow-gc", workflows.Run)
	g.Go("message-gc", broker.Run)

	switch doc.ServiceDiscovery {
	case config.DiscoveryDynamic:
		g.Go("config-watch", discovery.NewFileWatcher(env.DynamicConfigPath, rt).Run)
	case config.DiscoveryCluster:
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return fmt.Errorf("cluster service discovery: %w", err)
		}
		client, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return fmt.Errorf("cluster service discovery: %w", err)
		}
		w := discovery.NewClusterWatcher(clock, reg, client,
			env.PodNamespace, env.PodLabelSelector, env.PodModelAnnotation, env.PodPortAnnotation)
		g.Go("pod-watch", w.Run)
	}

	// The waiting-queue gauge mirrors the poller's view of each engine.
	g.Go("queue-gauge", func(ctx context.Context) error {
		ticker := time.NewTicker(env.EngineStatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for url, es := range engines.All() {
					bundle.RequestsWaiting.WithLabelValues(url).Set(float64(es.QueueLen))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	if env.LogStats {
		g.Go("log-stats", func(ctx context.Context) error {
			return logStats(ctx, reg, engines, tracker, workflows)
		})
	}

	return g.Wait()
}

// logStats periodically summarizes the endpoint set, useful on installs
// without a metrics scraper.
func logStats(
	ctx context.Context,
	reg *registry.Registry,
	engines *stats.EnginePoller,
	tracker *stats.Tracker,
	workflows *workflow.Manager,
) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := reg.Snapshot()
			for _, ep := range snap.Endpoints() {
				rs := tracker.Snapshot(ep.URL)
				line := fmt.Sprintf("endpoint %s in_flight=%d qps=%.2f ttft=%.3fs",
					ep.URL, tracker.InFlight(ep.URL), rs.QPS, rs.TTFTMean)
				if es, ok := engines.Get(ep.URL); ok {
					line += fmt.Sprintf(" queue=%d running=%d gpu_cache=%.2f", es.QueueLen, es.Running, es.GPUMemUtil)
				}
				dlog.Info(ctx, line)
			}
			dlog.Infof(ctx, "%d endpoints, %d live workflows", snap.Len(), workflows.Count())
		case <-ctx.Done():
			return nil
		}
	}
}
