// Package metrics exposes Prometheus metrics for warden.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Command results for FilterCommands.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Registry holds all warden metrics.
type Registry struct {
	// Rule state
	Rules *prometheus.GaugeVec

	// Mutations
	Blocks   *prometheus.CounterVec
	Unblocks *prometheus.CounterVec
	Jails    *prometheus.CounterVec

	// Packet filter
	FilterCommands *prometheus.CounterVec

	// Classification
	CidrMatches  *prometheus.CounterVec
	ChainMatches *prometheus.CounterVec
	HitsFlushed  prometheus.Counter

	// Workers
	TaskRuns *prometheus.CounterVec

	// Enrichment
	Lookups *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Rules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_rules",
		Help: "Current number of rules by kind",
	}, []string{"kind"})

	r.Blocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_blocks_total",
		Help: "Firewall rules created",
	}, []string{"source"})

	r.Unblocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_unblocks_total",
		Help: "Firewall rules removed",
	}, []string{"reason"})

	r.Jails = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_jails_total",
		Help: "Addresses jailed",
	}, []string{"trigger"})

	r.FilterCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_filter_commands_total",
		Help: "Packet filter commands executed",
	}, []string{"binary", "result"})

	r.CidrMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_cidr_matches_total",
		Help: "Addresses matched against CIDR rules",
	}, []string{"type"})

	r.ChainMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_chain_matches_total",
		Help: "Rule chain matches",
	}, []string{"chain", "action"})

	r.HitsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_cidr_hits_flushed_total",
		Help: "CIDR hits persisted by the flush worker",
	})

	r.TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_task_runs_total",
		Help: "Background task iterations",
	}, []string{"task", "result"})

	r.Lookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_enrichment_lookups_total",
		Help: "Geo/ISP lookups",
	}, []string{"source", "result"})

	return r
}

// RecordCommand records one packet filter command.
func (r *Registry) RecordCommand(binary, result string) {
	r.FilterCommands.WithLabelValues(binary, result).Inc()
}

// RecordChainMatch records a rule chain match.
func (r *Registry) RecordChainMatch(chain, action string) {
	r.ChainMatches.WithLabelValues(chain, action).Inc()
}

// RecordTask records one worker iteration.
func (r *Registry) RecordTask(task string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.TaskRuns.WithLabelValues(task, result).Inc()
}

// RecordLookup records an enrichment lookup.
func (r *Registry) RecordLookup(source string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.Lookups.WithLabelValues(source, result).Inc()
}
