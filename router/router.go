// Package router wires together the watchdog, the assignment table, and one
// RelayNode per configured identity, and owns configuration persistence.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overlaymesh/relay/assignment"
	"github.com/overlaymesh/relay/config"
	"github.com/overlaymesh/relay/daemon"
	"github.com/overlaymesh/relay/httpworker"
	"github.com/overlaymesh/relay/logger"
	"github.com/overlaymesh/relay/metrics"
	"github.com/overlaymesh/relay/payload"
	"github.com/overlaymesh/relay/relay"
	"github.com/overlaymesh/relay/sidecar"
	"github.com/overlaymesh/relay/watchdog"
	"github.com/overlaymesh/relay/wire"
)

const statusSampleInterval = 5 * time.Second

// bundle is everything owned for one configured identity.
type bundle struct {
	name string
	sup  *sidecar.Supervisor
	pool *httpworker.Pool
	node *relay.Node
}

// Router owns every long-lived component and the shutdown ordering between
// them.
type Router struct {
	cfgPath string
	cfgMu   sync.RWMutex
	cfg     *config.Config

	log      *logger.Logger
	metrics  *metrics.Metrics
	schemas  *payload.Registry
	assign   *assignment.Router
	watchdog *watchdog.Watchdog
	sentinel *daemon.Manager

	bundles map[string]*bundle

	reqCounter atomic.Uint64
	accepting  atomic.Bool
	dirty      atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once

	statusMu   sync.Mutex
	lastStatus map[string]ServiceStatus
}

// ServiceStatus is one row of the 5-second status sample published for the
// dashboard: the service, its owning identity and that identity's address.
// Watchdog state is not part of the row; it is read through WatchdogSnapshot.
type ServiceStatus struct {
	Service string
	Node    string
	Addr    string
}

// New constructs a Router from a loaded configuration. It does not start any
// goroutines; call Start for that.
func New(cfg *config.Config, cfgPath string, baseDir string, log *logger.Logger, sentinelPath string) (*Router, error) {
	nodeNames := make([]string, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodeNames = append(nodeNames, n.Name)
	}

	r := &Router{
		cfgPath:  cfgPath,
		cfg:      cfg,
		log:      log,
		metrics:  metrics.NewMetrics(),
		schemas:  payload.NewRegistry(),
		sentinel: daemon.New(sentinelPath),
		bundles:  make(map[string]*bundle, len(cfg.Nodes)),
		stopCh:   make(chan struct{}),
	}
	r.accepting.Store(true)

	r.assign = assignment.New(nodeNames, cfg.ServiceAssignments, r.onRotate, r.onPersistAssignments)
	for service := range cfg.Targets {
		r.assign.EnsureAssigned(service)
	}
	r.watchdog = watchdog.New(baseDir, watchdog.DefaultDefinitions(), log)

	for _, nc := range cfg.Nodes {
		b, err := r.buildBundle(nc)
		if err != nil {
			return nil, fmt.Errorf("router: build identity %q: %w", nc.Name, err)
		}
		r.bundles[nc.Name] = b
	}

	return r, nil
}

func (r *Router) buildBundle(nc *config.NodeConfig) (*bundle, error) {
	if nc.SeedHex == "" {
		return nil, fmt.Errorf("identity %q has no seed_hex", nc.Name)
	}

	httpCfg := r.cfg.HTTP
	if nc.Workers > 0 {
		httpCfg.Workers = nc.Workers
	}
	if nc.MaxBodyB > 0 {
		httpCfg.MaxBodyB = nc.MaxBodyB
	}
	if nc.VerifyDefault != nil {
		httpCfg.VerifyDefault = *nc.VerifyDefault
	}

	name := nc.Name
	sup := sidecar.New(sidecar.Options{
		Name:           name,
		SeedHex:        nc.SeedHex,
		NumSubclients:  firstNonZero(nc.NumSubclients, r.cfg.Bridge.NumSubclients),
		SelfProbeMS:    firstNonZero(nc.SelfProbeMS, r.cfg.Bridge.SelfProbeMS),
		SelfProbeFails: firstNonZero(nc.SelfProbeFails, r.cfg.Bridge.SelfProbeFails),
	}, r.log,
		func(addr string) { r.assign.SetAddress(name, addr) },
		func(src string, payload json.RawMessage) { r.dispatch(name, src, payload) },
		func(state string, degraded bool) {
			if degraded {
				r.log.Warnf("sidecar[%s]: degraded: %s", name, state)
			}
		},
	)

	targets := func() map[string]string {
		r.cfgMu.RLock()
		defer r.cfgMu.RUnlock()
		out := make(map[string]string, len(nc.Targets)+len(r.cfg.Targets))
		for k, v := range r.cfg.Targets {
			out[k] = v
		}
		for k, v := range nc.Targets {
			out[k] = v
		}
		return out
	}

	pool := httpworker.New(name, httpworker.Config{
		Workers:       httpCfg.Workers,
		MaxBodyB:      httpCfg.MaxBodyB,
		VerifyDefault: httpCfg.VerifyDefault,
		ChunkRawB:     httpCfg.ChunkRawB,
		HeartbeatS:    httpCfg.HeartbeatS,
		BatchLines:    httpCfg.BatchLines,
		BatchLatency:  httpCfg.BatchLatency,
		Retries:       httpCfg.Retries,
		RetryBackoff:  httpCfg.RetryBackoff,
		RetryCap:      httpCfg.RetryCap,
	}, targets, sup, r.metrics, r.schemas, r.log)

	node := relay.New(name, pool, sup,
		func(service string) (string, string) {
			if _, ok := targets()[service]; !ok {
				return "", ""
			}
			return r.assign.Lookup(service)
		},
		func() map[string]wire.AssignmentEntry { return r.assignmentEntries() },
		relay.Config{Workers: httpCfg.Workers, MaxBodyB: httpCfg.MaxBodyB, VerifyDefault: httpCfg.VerifyDefault},
		sup.Address, r.log)

	return &bundle{name: name, sup: sup, pool: pool, node: node}, nil
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func (r *Router) assignmentEntries() map[string]wire.AssignmentEntry {
	all := r.assign.LookupAll()
	out := make(map[string]wire.AssignmentEntry, len(all))
	for svc, e := range all {
		out[svc] = wire.AssignmentEntry{Node: e.Node, Addr: e.Addr}
	}
	return out
}

func (r *Router) nextRequestID() string {
	n := r.reqCounter.Add(1)
	return fmt.Sprintf("req-%d", n)
}

func (r *Router) dispatch(nodeName, src string, payload json.RawMessage) {
	if !r.accepting.Load() {
		return
	}
	b, ok := r.bundles[nodeName]
	if !ok {
		return
	}
	b.node.HandleDM(src, r.nextRequestID(), payload)
}

// onRotate is invoked after an assignment rotation persists; every bundle's
// advertised service list is computed live from the assignment table on each
// relay.info reply, so no explicit refresh push is needed here.
func (r *Router) onRotate(service, newNode string) {
	r.log.Infof("router: %s rotated to %s", service, newNode)
}

func (r *Router) onPersistAssignments(snapshot map[string]string) {
	r.cfgMu.Lock()
	r.cfg.ServiceAssignments = snapshot
	r.cfgMu.Unlock()
	r.dirty.Store(true)
	if err := r.persistConfig(); err != nil {
		r.log.Errorf("router: persist config: %v", err)
	}
}

func (r *Router) persistConfig() error {
	if !r.dirty.Load() {
		return nil
	}
	r.cfgMu.RLock()
	cfg := r.cfg
	r.cfgMu.RUnlock()
	if err := config.Save(r.cfgPath, cfg); err != nil {
		return err
	}
	r.dirty.Store(false)
	return nil
}

// Start brings up every service process, every sidecar, every worker pool,
// and the status-sampling loop.
func (r *Router) Start() {
	r.watchdog.Start()
	for _, b := range r.bundles {
		b.pool.Start()
		b.sup.Start()
	}
	go r.statusLoop()
}

// RotateService re-assigns service to the next identity in stable order.
func (r *Router) RotateService(service string) string {
	return r.assign.Rotate(service)
}

// RestartService re-arms and restarts a parked backend service process.
func (r *Router) RestartService(name string) error {
	return r.watchdog.Cycle(name)
}

// Metrics exposes the process-wide metrics registry for the dashboard's
// /metrics endpoint.
func (r *Router) Metrics() *metrics.Metrics { return r.metrics }

// Shutdown stops accepting new DMs, drains every worker pool, stops
// watchdog-managed children, closes every sidecar, then persists the config
// one final time if it is dirty.
func (r *Router) Shutdown(ctx context.Context) error {
	r.accepting.Store(false)
	r.stopOnce.Do(func() { close(r.stopCh) })

	for _, b := range r.bundles {
		b.pool.Stop()
	}

	if err := r.watchdog.Shutdown(ctx); err != nil {
		r.log.Errorf("router: watchdog shutdown: %v", err)
	}

	for _, b := range r.bundles {
		if err := b.sup.Shutdown(ctx); err != nil {
			r.log.Errorf("router: sidecar[%s] shutdown: %v", b.name, err)
		}
	}

	return r.persistConfig()
}
