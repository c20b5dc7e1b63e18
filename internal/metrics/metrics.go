// Package metrics 提供同步引擎的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 目录缓存
	listingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_listing_cache_lookups_total",
			Help: "Directory listing cache lookups by result",
		},
		[]string{"result"}, // hit, miss, stale, corrupt
	)

	listingFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_listing_fetches_total",
			Help: "Directory listing fetches against the remote service",
		},
		[]string{"status"},
	)

	// 预览缓存
	previewLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_preview_cache_lookups_total",
			Help: "Preview cache lookups by result",
		},
		[]string{"result"},
	)

	previewEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_preview_cache_evictions_total",
			Help: "Preview blobs evicted by the LRU policy",
		},
	)

	previewBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudsync_preview_cache_bytes",
			Help: "Total bytes held by the preview cache",
		},
	)

	// 上传
	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cloudsync_upload_bytes_total",
			Help: "Bytes acknowledged by the remote service",
		},
	)

	uploadChunkRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_upload_chunk_retries_total",
			Help: "Chunk upload retries by error kind",
		},
		[]string{"kind"},
	)

	uploadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_uploads_finished_total",
			Help: "Upload tasks that reached a terminal state",
		},
		[]string{"status"},
	)

	// 批量操作
	batchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_batch_items_total",
			Help: "Batch operation items by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
)

// RecordListingLookup 记录一次目录缓存查询
func RecordListingLookup(result string) {
	listingCacheLookups.WithLabelValues(result).Inc()
}

// RecordListingFetch 记录一次远端目录拉取
func RecordListingFetch(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	listingFetches.WithLabelValues(status).Inc()
}

// RecordPreviewLookup 记录一次预览缓存查询
func RecordPreviewLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	previewLookups.WithLabelValues(result).Inc()
}

// RecordPreviewEviction 记录一次 LRU 淘汰
func RecordPreviewEviction() {
	previewEvictions.Inc()
}

// SetPreviewBytes 更新预览缓存总大小
func SetPreviewBytes(n int64) {
	previewBytes.Set(float64(n))
}

// RecordUploadBytes 记录已确认的上传字节数
func RecordUploadBytes(n int64) {
	uploadBytes.Add(float64(n))
}

// RecordChunkRetry 记录一次分片重试
func RecordChunkRetry(kind string) {
	uploadChunkRetries.WithLabelValues(kind).Inc()
}

// RecordUploadFinished 记录上传任务进入终态
func RecordUploadFinished(status string) {
	uploadsFinished.WithLabelValues(status).Inc()
}

// RecordBatchItem 记录批量操作中单个路径的结果
func RecordBatchItem(op string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "succeeded"
	}
	batchItems.WithLabelValues(op, outcome).Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
