package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crowsandbox/crow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// StatusCounter is the part of the job store the collector reads.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (domain.StatusCounts, error)
}

type storeCollector struct {
	store  StatusCounter
	logger *slog.Logger

	jobsDesc *prometheus.Desc
}

func newStoreCollector(store StatusCounter, logger *slog.Logger) *storeCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &storeCollector{
		store:  store,
		logger: logger,
		jobsDesc: prometheus.NewDesc(
			"crow_jobs",
			"Current number of jobs by persisted status.",
			[]string{"status"},
			nil,
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	if c.store == nil {
		return
	}

	// Keep store reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("prometheus store collector failed", "err", err)
		return
	}
	for _, st := range domain.AllStatuses {
		emitGauge(ch, c.jobsDesc, float64(counts[st]), string(st))
	}
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerStoreCollectorOnce sync.Once

func RegisterStoreCollector(store StatusCounter, logger *slog.Logger) {
	registerStoreCollectorOnce.Do(func() {
		prometheus.MustRegister(newStoreCollector(store, logger))
	})
}
