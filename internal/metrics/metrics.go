// ============================================================================
// evorun Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 run-control 核心的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - evorun_generations_total: 已執行的步進次數（含重播）
//      - evorun_seeks_total: 已處理的 seek 指令數
//      - evorun_checkpoint_jumps_total: 直接載入檢查點的次數
//      - evorun_step_errors_total: 步進失敗（觸發 fallback）次數
//      - evorun_runs_completed_total: 完成（含中止）的 run 數
//
//   2. 分佈 (Histogram)：
//      - evorun_step_latency_seconds: 單次步進耗時
//
//   3. 瞬時值 (Gauge)：
//      - evorun_checkpoints: 目前的檢查點數量
//      - evorun_speed_limit: 目前的速率上限（0 = 不限速）
//      - evorun_processing_seconds: 累計處理時間（不含節流等待）
//
// Prometheus 查詢示例:
//
//   # 每秒世代數
//   rate(evorun_generations_total[1m])
//
//   # 95 分位步進延遲
//   histogram_quantile(0.95, evorun_step_latency_seconds_bucket)
//
// HTTP 端點:
//   /metrics，默認端口 9090
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
//
// nil *Collector 的所有方法都是 no-op，Controller 不需要判斷是否啟用監控。
type Collector struct {
	generations     prometheus.Counter
	seeks           prometheus.Counter
	checkpointJumps prometheus.Counter
	stepErrors      prometheus.Counter
	runsCompleted   prometheus.Counter

	stepLatency prometheus.Histogram

	checkpoints    prometheus.Gauge
	speedLimit     prometheus.Gauge
	processingTime prometheus.Gauge
}

// NewCollector 建立並註冊指標
//
// 參數：
//   - reg: 註冊目標；nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evorun_generations_total",
			Help: "Total number of scheduler steps executed, replays included",
		}),
		seeks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evorun_seeks_total",
			Help: "Total number of seek commands applied",
		}),
		checkpointJumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evorun_checkpoint_jumps_total",
			Help: "Total number of checkpoints loaded instead of recomputed",
		}),
		stepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evorun_step_errors_total",
			Help: "Total number of failed steps",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evorun_runs_completed_total",
			Help: "Total number of finished runs, aborted runs included",
		}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evorun_step_latency_seconds",
			Help:    "Scheduler step latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		checkpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evorun_checkpoints",
			Help: "Current number of stored checkpoints",
		}),
		speedLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evorun_speed_limit",
			Help: "Current speed limit in generations per second, 0 means unlimited",
		}),
		processingTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evorun_processing_seconds",
			Help: "Accumulated processing time in seconds, throttle waits excluded",
		}),
	}

	reg.MustRegister(
		c.generations,
		c.seeks,
		c.checkpointJumps,
		c.stepErrors,
		c.runsCompleted,
		c.stepLatency,
		c.checkpoints,
		c.speedLimit,
		c.processingTime,
	)
	return c
}

// RecordStep 記錄一次成功的步進
func (c *Collector) RecordStep(latency time.Duration) {
	if c == nil {
		return
	}
	c.generations.Inc()
	c.stepLatency.Observe(latency.Seconds())
}

// RecordSeek 記錄 seek 指令
func (c *Collector) RecordSeek() {
	if c == nil {
		return
	}
	c.seeks.Inc()
}

// RecordJump 記錄檢查點載入
func (c *Collector) RecordJump() {
	if c == nil {
		return
	}
	c.checkpointJumps.Inc()
}

// RecordStepError 記錄步進失敗
func (c *Collector) RecordStepError() {
	if c == nil {
		return
	}
	c.stepErrors.Inc()
}

// RecordRunFinished 記錄 run 結束
func (c *Collector) RecordRunFinished() {
	if c == nil {
		return
	}
	c.runsCompleted.Inc()
}

// UpdateState 更新瞬時狀態
func (c *Collector) UpdateState(checkpoints int, speedLimit float64, processing time.Duration) {
	if c == nil {
		return
	}
	c.checkpoints.Set(float64(checkpoints))
	c.speedLimit.Set(speedLimit)
	c.processingTime.Set(processing.Seconds())
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//   - g: 指標來源；nil 時使用 prometheus.DefaultGatherer
//
// 返回值：
//   - error: 啟動或關閉失敗的錯誤
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
