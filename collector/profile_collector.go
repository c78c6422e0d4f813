package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sykim1009/redfish-exporter/config"
)

// Metric name parts for exporter self-telemetry.
const (
	namespace = "redfish"
	exporter  = "exporter"
)

var (
	totalScrapeDurationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, exporter, "collector_duration_seconds"),
		"Collector time duration.",
		nil, nil,
	)
	redfishUpDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "up"),
		"redfish up",
		nil, nil,
	)
)

// ProfileCollector adapts one collection cycle to prometheus.Collector.
// One instance serves one scrape request: the HTTP front end registers it
// on a fresh registry, the client library calls Collect, and the samples
// the orchestrator produced are rendered as const metrics. The metric
// family name is the category name joined with the value name, e.g.
// system_health_status.
type ProfileCollector struct {
	ctx          context.Context
	orchestrator *Orchestrator
	profileName  string
	profile      *config.Profile
	target       string
	logger       *slog.Logger
}

// NewProfileCollector returns a collector for one (profile, target) scrape.
func NewProfileCollector(ctx context.Context, orchestrator *Orchestrator, profileName string, profile *config.Profile, target string, logger *slog.Logger) *ProfileCollector {
	return &ProfileCollector{
		ctx:          ctx,
		orchestrator: orchestrator,
		profileName:  profileName,
		profile:      profile,
		target:       target,
		logger:       logger,
	}
}

// Describe implements prometheus.Collector. Sample families depend on the
// document the BMC returns, so this collector is unchecked and describes
// nothing up front.
func (p *ProfileCollector) Describe(_ chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (p *ProfileCollector) Collect(ch chan<- prometheus.Metric) {
	scrapeTime := time.Now()

	samples, categoryErrors, err := p.orchestrator.Collect(p.ctx, p.profileName, p.profile, p.target)
	if err != nil {
		p.logger.Error("scrape failed, no session available",
			slog.String("target", p.target), slog.Any("error", err))
		ch <- prometheus.MustNewConstMetric(redfishUpDesc, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(totalScrapeDurationDesc, prometheus.GaugeValue, time.Since(scrapeTime).Seconds())
		return
	}

	for _, sample := range samples {
		labelNames := make([]string, 0, len(sample.Labels))
		labelValues := make([]string, 0, len(sample.Labels))
		for _, label := range sample.Labels {
			labelNames = append(labelNames, label.Name)
			labelValues = append(labelValues, label.Value)
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(sample.Category, "", sample.Name),
			"Value collected from the Redfish API.",
			labelNames, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, sample.Value, labelValues...)
	}

	p.logger.Debug("scrape completed",
		slog.String("target", p.target),
		slog.Int("samples", len(samples)),
		slog.Int("failed_categories", len(categoryErrors)))

	ch <- prometheus.MustNewConstMetric(redfishUpDesc, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(totalScrapeDurationDesc, prometheus.GaugeValue, time.Since(scrapeTime).Seconds())
}
