// Package shield is the entry point to warden's enforcement core. A
// Service owns the rule store, the packet filter adapter, the CIDR index
// and the jail manager, and runs the background workers that keep them
// consistent.
package shield

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/warden/internal/chains"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/geoip"
	"grimm.is/warden/internal/jail"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/metrics"
	"grimm.is/warden/internal/network"
	"grimm.is/warden/internal/ranges"
	"grimm.is/warden/internal/scheduler"
	"grimm.is/warden/internal/store"
)

var (
	// ErrInvalidInput rejects a request before anything is written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound reports an unknown rule id or address.
	ErrNotFound = errors.New("not found")
)

// Worker task ids.
const (
	TaskJailSweep     = "jail-sweep"
	TaskHitFlush      = "hit-flush"
	TaskGeoEnrichment = "geo-enrichment"
	TaskHostAddresses = "host-addresses"
	TaskMetrics       = "metrics"
	TaskAuditPrune    = "audit-prune"
)

const (
	hostRefreshInterval = 5 * time.Minute
	metricsInterval     = 30 * time.Second
	auditPruneInterval  = 6 * time.Hour
)

// GeoLookup resolves enrichment data for an address.
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) (geoip.Info, error)
}

// AuditPruner drops audit events past their retention.
type AuditPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Options wires a Service. Config, Store and Runner are required.
type Options struct {
	Config     *config.Config
	Store      *store.Store
	Runner     firewall.CommandRunner
	Classifier *network.Classifier
	Geo        GeoLookup
	Audit      AuditPruner
	Clock      clock.Clock
	Logger     *logging.Logger
}

// Service is the enforcement core.
type Service struct {
	cfg        *config.Config
	store      *store.Store
	filter     *firewall.Adapter
	index      *ranges.Index
	// cidrMu orders CIDR mutations so the index is always rebuilt from
	// the latest committed rules.
	cidrMu     sync.Mutex
	jails      *jail.Manager
	evaluator  *chains.Evaluator
	classifier *network.Classifier
	enrich     *enricher
	audit      AuditPruner
	sched      *scheduler.Scheduler
	collector  *metrics.Collector
	clk        clock.Clock
	logger     *logging.Logger
	metrics    *metrics.Registry
}

// New builds a Service from already loaded rules. Nothing is applied to
// the packet filter until Start or Resync.
func New(opts Options) (*Service, error) {
	if opts.Config == nil || opts.Store == nil || opts.Runner == nil {
		return nil, fmt.Errorf("shield: config, store and runner are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = network.NewClassifier(nil, logger)
	}
	cfg := opts.Config

	s := &Service{
		cfg:        cfg,
		store:      opts.Store,
		filter:     firewall.NewAdapter(opts.Runner, firewall.OptionsFromConfig(cfg.Firewall), logger),
		index:      ranges.NewIndex(cfg.Ranges.IPCacheSize),
		evaluator:  chains.NewEvaluator(cfg.RuleChains, logger),
		classifier: classifier,
		audit:      opts.Audit,
		sched:      scheduler.New(logger).WithClock(clk),
		clk:        clk,
		logger:     logger.WithComponent("shield"),
		metrics:    metrics.Get(),
	}
	s.index.Rebuild(s.store.ListCidrRules())
	s.jails = jail.NewManager(jail.Options{
		Config:    cfg.Jail,
		Enforcer:  enforcer{s},
		Local:     classifier,
		Evaluator: s.evaluator,
		Clock:     clk,
		Logger:    logger,
	})
	s.collector = metrics.NewCollector(s)
	if opts.Geo != nil && cfg.Enrichment.Enabled {
		s.enrich = newEnricher(s, opts.Geo)
	}

	if disabled := s.evaluator.Disabled(); len(disabled) > 0 {
		s.logger.Warn("rule chains disabled", "chains", disabled)
	}
	return s, nil
}

// Start refreshes host addresses, resyncs the packet filter and launches
// the workers. Workers stop when ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.classifier.Refresh(); err != nil {
		s.logger.Warn("host address discovery failed", "error", err)
	}

	if !s.cfg.Firewall.SkipResync {
		if err := s.Resync(ctx); err != nil {
			// Persisted rules stay authoritative; the next resync retries.
			s.logger.Error("initial resync incomplete", "error", err)
		}
	}

	if err := s.registerTasks(); err != nil {
		return err
	}
	s.sched.Start(ctx)
	s.logger.Info("shield started",
		"rules", len(s.store.RulesView()),
		"allow_cidrs", s.index.Len(store.TypeAllow),
		"block_cidrs", s.index.Len(store.TypeBlock),
		"chains", s.evaluator.Len(),
	)
	return nil
}

// Stop halts the workers and persists pending hit counters.
func (s *Service) Stop() {
	s.sched.Stop()
	if err := s.FlushHits(); err != nil {
		s.logger.Error("final hit flush failed", "error", err)
	}
}

// Tasks reports the status of every background worker.
func (s *Service) Tasks() []scheduler.TaskStatus {
	return s.sched.GetStatus()
}

// Resync pushes every persisted rule into the packet filter.
func (s *Service) Resync(ctx context.Context) error {
	rules := s.store.ListRules()
	cidrs := s.store.ListCidrRules()

	retry := firewall.DefaultRetryConfig()
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("resync failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	err := firewall.Retry(ctx, retry, func() error {
		return s.filter.Resync(ctx, rules, cidrs)
	})
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.logger.Info("packet filter resynced", "rules", len(rules), "cidrs", len(cidrs))
	return nil
}

// Ruleset returns the parsed iptables listing keyed by chain.
func (s *Service) Ruleset(ctx context.Context) (map[string][]firewall.RuleRow, error) {
	return s.filter.Ruleset(ctx)
}

// RawRuleset returns iptables-save output without Swarm chains.
func (s *Service) RawRuleset(ctx context.Context) (string, error) {
	return s.filter.RawDump(ctx)
}

// Stats counts rules for the metrics collector.
func (s *Service) Stats() metrics.Stats {
	now := clock.NowMillis(s.clk)
	st := metrics.Stats{
		AllowCIDRs: s.index.Len(store.TypeAllow),
		BlockCIDRs: s.index.Len(store.TypeBlock),
	}
	for _, r := range s.store.RulesView() {
		st.FirewallRules++
		if r.IsJailed(now) {
			st.Jailed++
		}
	}
	return st
}

func (s *Service) registerTasks() error {
	tasks := []*scheduler.Task{
		{
			ID:       TaskJailSweep,
			Name:     "Jail sweep",
			Interval: s.cfg.Jail.SweepEvery(),
			Timeout:  time.Minute,
			Func: func(ctx context.Context) error {
				if n := s.jails.Sweep(ctx); n > 0 {
					s.logger.Info("released expired jails", "count", n)
				}
				return nil
			},
		},
		{
			ID:       TaskHitFlush,
			Name:     "CIDR hit flush",
			Interval: s.cfg.Ranges.FlushEvery(),
			Func: func(context.Context) error {
				return s.FlushHits()
			},
		},
		{
			ID:       TaskHostAddresses,
			Name:     "Host address refresh",
			Interval: hostRefreshInterval,
			Func: func(context.Context) error {
				return s.classifier.Refresh()
			},
		},
		{
			ID:         TaskMetrics,
			Name:       "Rule gauges",
			Interval:   metricsInterval,
			RunOnStart: true,
			Func: func(context.Context) error {
				s.collector.Collect()
				return nil
			},
		},
	}
	if s.enrich != nil {
		tasks = append(tasks, &scheduler.Task{
			ID:       TaskGeoEnrichment,
			Name:     "Geo enrichment",
			Interval: s.cfg.Enrichment.Every(),
			Timeout:  s.cfg.Enrichment.LookupTimeout() * 2,
			Func:     s.enrich.step,
		})
	}

	if s.audit != nil {
		tasks = append(tasks, &scheduler.Task{
			ID:         TaskAuditPrune,
			Name:       "Audit retention",
			Interval:   auditPruneInterval,
			RunOnStart: true,
			Func: func(ctx context.Context) error {
				n, err := s.audit.Prune(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					s.logger.Info("pruned audit events", "count", n)
				}
				return nil
			},
		})
	}

	for _, t := range tasks {
		if err := s.sched.AddTask(t); err != nil {
			return fmt.Errorf("registering task: %w", err)
		}
	}
	return nil
}
