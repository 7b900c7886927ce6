// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobMetrics はジョブエンジンが記録するメトリクスのインターフェース。
type JobMetrics interface {
	RecordSubmitted(downloadType string)
	RecordFinished(downloadType, status string, duration time.Duration)
	RecordFetchLatency(duration time.Duration)
	RecordQueueFull()
	RecordRecovered(count int)
	SetQueueDepth(depth int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	submitted    *prometheus.CounterVec
	finished     *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	fetchLatency prometheus.Histogram
	queueFull    prometheus.Counter
	recovered    prometheus.Counter
	queueDepth   prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navportal_downloads_submitted_total",
			Help: "受け付けたダウンロード要求の合計数",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "navportal_downloads_finished_total",
			Help: "終端状態に到達したダウンロードの合計数",
		}, []string{"type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "navportal_download_duration_seconds",
			Help:    "ダウンロードジョブの実行時間（秒）",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"type"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "navportal_portal_fetch_latency_seconds",
			Help:    "ポータル取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		queueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navportal_job_queue_full_total",
			Help: "キューが満杯でスイーパーに委ねたジョブの数",
		}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "navportal_jobs_recovered_total",
			Help: "中断状態から失敗として回収したジョブの数",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "navportal_job_queue_depth",
			Help: "実行待ちキューの現在の長さ",
		}),
	}

	reg.MustRegister(
		c.submitted,
		c.finished,
		c.jobDuration,
		c.fetchLatency,
		c.queueFull,
		c.recovered,
		c.queueDepth,
	)

	return c
}

// RecordSubmitted は受け付けたダウンロード要求を記録する。
func (c *Collector) RecordSubmitted(downloadType string) {
	c.submitted.WithLabelValues(downloadType).Inc()
}

// RecordFinished は終端状態への遷移と実行時間を記録する。
func (c *Collector) RecordFinished(downloadType, status string, duration time.Duration) {
	c.finished.WithLabelValues(downloadType, status).Inc()
	c.jobDuration.WithLabelValues(downloadType).Observe(duration.Seconds())
}

// RecordFetchLatency はポータル取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordQueueFull() {
	c.queueFull.Inc()
}

func (c *Collector) RecordRecovered(count int) {
	c.recovered.Add(float64(count))
}

func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// Nop は何も記録しないJobMetrics。
type Nop struct{}

func (Nop) RecordSubmitted(string)                      {}
func (Nop) RecordFinished(string, string, time.Duration) {}
func (Nop) RecordFetchLatency(time.Duration)            {}
func (Nop) RecordQueueFull()                            {}
func (Nop) RecordRecovered(int)                         {}
func (Nop) SetQueueDepth(int)                           {}
