// Package metrics exports the statistics of a finished run in the Prometheus
// textfile format, for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-images/internal/model"
)

// Exporter owns a private registry holding one run's gauges.
type Exporter struct {
	reg *prometheus.Registry

	stats       *prometheus.GaugeVec
	duration    prometheus.Gauge
	lastRun     prometheus.Gauge
	lastSuccess *prometheus.GaugeVec
}

// New creates an Exporter with its collectors registered.
func New() (*Exporter, error) {
	e := &Exporter{
		reg: prometheus.NewRegistry(),
		stats: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "listing_images_run_stat",
			Help: "Counters of the last run, partitioned by statistic.",
		}, []string{"stat"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listing_images_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listing_images_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "listing_images_run_success",
			Help: "1 when the last run finished without a fatal error.",
		}, []string{"run_id", "mode"}),
	}
	for _, c := range []prometheus.Collector{e.stats, e.duration, e.lastRun, e.lastSuccess} {
		if err := e.reg.Register(c); err != nil {
			return nil, eris.Wrap(err, "metrics: register collector")
		}
	}
	return e, nil
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.reg }

// Record sets every gauge from a finished run.
func (e *Exporter) Record(runID, mode string, stats model.RunStatistics, elapsed time.Duration, finished time.Time, success bool) {
	for name, v := range statValues(stats) {
		e.stats.WithLabelValues(name).Set(float64(v))
	}
	e.duration.Set(elapsed.Seconds())
	e.lastRun.Set(float64(finished.Unix()))
	ok := 0.0
	if success {
		ok = 1
	}
	e.lastSuccess.WithLabelValues(runID, mode).Set(ok)
}

// WriteTextfile atomically writes the registry to path.
func (e *Exporter) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, e.reg); err != nil {
		return eris.Wrapf(err, "metrics: write textfile %s", path)
	}
	return nil
}

func statValues(s model.RunStatistics) map[string]int {
	return map[string]int{
		"providers_processed":    s.ProvidersProcessed,
		"probed":                 s.Probed,
		"classified":             s.Classified,
		"logos":                  s.Logos,
		"photos":                 s.Photos,
		"unknown":                s.Unknown,
		"inaccessible":           s.Inaccessible,
		"heroes_selected":        s.HeroesSelected,
		"heroes_cleared":         s.HeroesCleared,
		"written":                s.Written,
		"protected":              s.Protected,
		"errors":                 s.Errors,
		"vision_reviewed":        s.VisionReviewed,
		"vision_reclassified":    s.VisionReclassified,
		"vision_download_failed": s.VisionDownloadFailed,
		"vision_discarded":       s.VisionDiscarded,
	}
}
