package metrics

// Rule kinds reported on the warden_rules gauge.
const (
	KindFirewall  = "firewall"
	KindJailed    = "jailed"
	KindCidrAllow = "cidr_allow"
	KindCidrBlock = "cidr_block"
)

// Stats is a point-in-time rule count.
type Stats struct {
	FirewallRules int
	Jailed        int
	AllowCIDRs    int
	BlockCIDRs    int
}

// Source provides Stats.
type Source interface {
	Stats() Stats
}

// Collector copies Stats from a Source into the rule gauges.
type Collector struct {
	registry *Registry
	source   Source
}

// NewCollector creates a collector reporting into the global registry.
func NewCollector(source Source) *Collector {
	return &Collector{registry: Get(), source: source}
}

// Collect updates the gauges once.
func (c *Collector) Collect() Stats {
	s := c.source.Stats()
	c.registry.Rules.WithLabelValues(KindFirewall).Set(float64(s.FirewallRules))
	c.registry.Rules.WithLabelValues(KindJailed).Set(float64(s.Jailed))
	c.registry.Rules.WithLabelValues(KindCidrAllow).Set(float64(s.AllowCIDRs))
	c.registry.Rules.WithLabelValues(KindCidrBlock).Set(float64(s.BlockCIDRs))
	return s
}
