package engagement

import "github.com/prometheus/client_golang/prometheus"

var (
	descRecorded   = prometheus.NewDesc("notipipe_engagement_recorded_total", "Engagement events recorded.", nil, nil)
	descDuplicates = prometheus.NewDesc("notipipe_engagement_duplicates_total", "Engagement events ignored as already pending.", nil, nil)
	descQueued     = prometheus.NewDesc("notipipe_engagement_queued", "Engagement events recorded but not yet acknowledged or dropped.", nil, nil)
	descSent       = prometheus.NewDesc("notipipe_engagement_sent_total", "Engagement events acknowledged by the sink.", nil, nil)
	descFailed     = prometheus.NewDesc("notipipe_engagement_failed_total", "Engagement events dropped.", nil, nil)
	descBatches    = prometheus.NewDesc("notipipe_engagement_batches_total", "Batches cut by the tracker.", nil, nil)
	descAvgBatch   = prometheus.NewDesc("notipipe_engagement_avg_batch_size", "Average events per cut batch.", nil, nil)
)

// Collector exposes Tracker.Stats to Prometheus.
type Collector struct{ t *Tracker }

func NewCollector(t *Tracker) *Collector { return &Collector{t: t} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRecorded
	ch <- descDuplicates
	ch <- descQueued
	ch <- descSent
	ch <- descFailed
	ch <- descBatches
	ch <- descAvgBatch
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.t.Stats()
	ch <- prometheus.MustNewConstMetric(descRecorded, prometheus.CounterValue, float64(s.Recorded))
	ch <- prometheus.MustNewConstMetric(descDuplicates, prometheus.CounterValue, float64(s.Duplicates))
	ch <- prometheus.MustNewConstMetric(descQueued, prometheus.GaugeValue, float64(s.Queued))
	ch <- prometheus.MustNewConstMetric(descSent, prometheus.CounterValue, float64(s.Sent))
	ch <- prometheus.MustNewConstMetric(descFailed, prometheus.CounterValue, float64(s.Failed))
	ch <- prometheus.MustNewConstMetric(descBatches, prometheus.CounterValue, float64(s.Batches))
	ch <- prometheus.MustNewConstMetric(descAvgBatch, prometheus.GaugeValue, s.AvgBatchSize)
}
