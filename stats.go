package sto

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// threadStats are written by the owning thread and read by Stats.
type threadStats struct {
	starts            atomic.Uint64
	commits           atomic.Uint64
	aborts            atomic.Uint64
	reasons           [numAbortReasons]atomic.Uint64
	hardOpacityChecks atomic.Uint64
	mvCollected       atomic.Uint64
}

// Stats is a snapshot of the counters summed over all threads.
type Stats struct {
	Starts            uint64
	Commits           uint64
	Aborts            uint64
	AbortsByReason    map[AbortReason]uint64
	HardOpacityChecks uint64
	MvCollected       uint64
	Threads           int
}

// AbortRate is aborts per started attempt.
func (s Stats) AbortRate() float64 {
	if s.Starts == 0 {
		return 0
	}
	return float64(s.Aborts) / float64(s.Starts)
}

// ReadStats sums the per-thread counters.
func ReadStats() Stats {
	s := Stats{AbortsByReason: make(map[AbortReason]uint64)}
	for i := range tinfo {
		st := &tinfo[i].stats
		s.Starts += st.starts.Load()
		s.Commits += st.commits.Load()
		s.Aborts += st.aborts.Load()
		s.HardOpacityChecks += st.hardOpacityChecks.Load()
		s.MvCollected += st.mvCollected.Load()
		for r := range st.reasons {
			if n := st.reasons[r].Load(); n > 0 {
				s.AbortsByReason[AbortReason(r)] += n
			}
		}
	}
	s.Threads = activeThreads()
	return s
}

const metricsNamespace = "sto"

type collector struct {
	starts      *prometheus.Desc
	commits     *prometheus.Desc
	aborts      *prometheus.Desc
	opacity     *prometheus.Desc
	mvCollected *prometheus.Desc
	threads     *prometheus.Desc
	globalTID   *prometheus.Desc
	epoch       *prometheus.Desc
}

// NewCollector exports the runtime counters to prometheus.
func NewCollector() prometheus.Collector {
	return &collector{
		starts: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "txn", "starts_total"),
			"Transaction attempts started.", nil, nil),
		commits: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "txn", "commits_total"),
			"Transactions committed.", nil, nil),
		aborts: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "txn", "aborts_total"),
			"Transaction attempts aborted, by reason.", []string{"reason"}, nil),
		opacity: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "txn", "hard_opacity_checks_total"),
			"Read set revalidations triggered by a newer version.", nil, nil),
		mvCollected: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "mvcc", "collected_nodes_total"),
			"History nodes cut by garbage collection.", nil, nil),
		threads: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "threads"),
			"Registered threads.", nil, nil),
		globalTID: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "global_tid"),
			"Timestamp part of the global commit clock.", nil, nil),
		epoch: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "rcu", "epoch"),
			"Global reclamation epoch.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.starts
	ch <- c.commits
	ch <- c.aborts
	ch <- c.opacity
	ch <- c.mvCollected
	ch <- c.threads
	ch <- c.globalTID
	ch <- c.epoch
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := ReadStats()
	ch <- prometheus.MustNewConstMetric(c.starts, prometheus.CounterValue, float64(s.Starts))
	ch <- prometheus.MustNewConstMetric(c.commits, prometheus.CounterValue, float64(s.Commits))
	for r := AbortReason(1); r < numAbortReasons; r++ {
		ch <- prometheus.MustNewConstMetric(c.aborts, prometheus.CounterValue, float64(s.AbortsByReason[r]), r.String())
	}
	ch <- prometheus.MustNewConstMetric(c.opacity, prometheus.CounterValue, float64(s.HardOpacityChecks))
	ch <- prometheus.MustNewConstMetric(c.mvCollected, prometheus.CounterValue, float64(s.MvCollected))
	ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(s.Threads))
	ch <- prometheus.MustNewConstMetric(c.globalTID, prometheus.GaugeValue, float64(globalTID.Load()/IncrementValue))
	ch <- prometheus.MustNewConstMetric(c.epoch, prometheus.GaugeValue, float64(globalEpoch.Load()))
}
