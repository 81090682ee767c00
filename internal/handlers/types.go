package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"chaptr/pkg/monitoring"
)

// ChaptrMetrics holds the service's business metrics
type ChaptrMetrics struct {
	ChapterizeRequests *prometheus.CounterVec
	CacheHitRate       *prometheus.CounterVec
	CreditsGranted     *prometheus.CounterVec
	CreditsSpent       *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	CommentsPosted     *prometheus.CounterVec
	WebhooksProcessed  *prometheus.CounterVec
	RepairQueueDepth   *prometheus.GaugeVec
}

// NewChaptrMetrics creates the service metrics on the shared collector
func NewChaptrMetrics(mc *monitoring.MetricsCollector) *ChaptrMetrics {
	return &ChaptrMetrics{
		ChapterizeRequests: mc.NewCounter("chapterize_requests_total", "Total chapterize requests", []string{"result"}),
		CacheHitRate:       mc.NewCounter("cache_lookups_total", "Chapter cache lookups", []string{"outcome"}),
		CreditsGranted:     mc.NewCounter("credits_granted_total", "Credits granted", []string{"reason"}),
		CreditsSpent:       mc.NewCounter("credits_spent_total", "Credits spent", []string{"reason"}),
		GenerationDuration: mc.NewHistogram("generation_duration_seconds", "Chapter generation duration", []string{"source"}, nil),
		CommentsPosted:     mc.NewCounter("comments_posted_total", "Chapter comments posted", []string{"status"}),
		WebhooksProcessed:  mc.NewCounter("webhooks_processed_total", "Payment webhooks processed", []string{"provider", "status"}),
		RepairQueueDepth:   mc.NewGauge("repair_queue_depth", "Pending reconciliation items", []string{"kind"}),
	}
}
