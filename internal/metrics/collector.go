// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，每个实例持有独立的 Registry
type Collector struct {
	registry *prometheus.Registry

	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	policyRejections  *prometheus.CounterVec
	outputTruncations *prometheus.CounterVec

	// 调度指标
	activeExecutions prometheus.Gauge
	queuedRequests   prometheus.Gauge
	poolCapacity     prometheus.Gauge

	// 沙箱指标
	imageVerifications *prometheus.CounterVec
	sandboxTransitions *prometheus.CounterVec
	sandboxTeardowns   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// 执行指标
	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of tool executions by outcome",
		},
		[]string{"tool", "runner", "outcome"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"tool", "runner"},
	)

	c.policyRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_rejections_total",
			Help:      "Requests blocked before execution by stealth or proxy policy",
		},
		[]string{"tool", "kind"},
	)

	c.outputTruncations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_truncations_total",
			Help:      "Executions whose output exceeded the capture limit",
		},
		[]string{"tool"},
	)

	// 调度指标
	c.activeExecutions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_executions",
		Help:      "Executions currently holding a worker slot",
	})

	c.queuedRequests = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queued_requests",
		Help:      "Requests waiting for a worker slot",
	})

	c.poolCapacity = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_capacity",
		Help:      "Maximum concurrent executions",
	})

	// 沙箱指标
	c.imageVerifications = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_verifications_total",
			Help:      "Sandbox image digest verifications by result",
		},
		[]string{"tool", "result"},
	)

	c.sandboxTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_state_transitions_total",
			Help:      "Sandbox lifecycle state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.sandboxTeardowns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_teardowns_total",
			Help:      "Sandbox teardowns by whether the run had failed",
		},
		[]string{"after"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry 返回该收集器使用的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// 🎯 执行指标记录
// =============================================================================

// RecordExecution 记录一次执行结果
func (c *Collector) RecordExecution(tool, runner, outcome string, duration time.Duration, truncated bool) {
	if runner == "" {
		runner = "none"
	}
	c.executionsTotal.WithLabelValues(tool, runner, outcome).Inc()
	if runner != "none" {
		c.executionDuration.WithLabelValues(tool, runner).Observe(duration.Seconds())
	}
	if truncated {
		c.outputTruncations.WithLabelValues(tool).Inc()
	}
}

// RecordPolicyRejection 记录被策略拦截的请求
func (c *Collector) RecordPolicyRejection(tool, kind string) {
	c.policyRejections.WithLabelValues(tool, kind).Inc()
}

// =============================================================================
// 🧵 调度指标记录
// =============================================================================

// SetPoolState 更新调度器状态
func (c *Collector) SetPoolState(capacity, active, queued int) {
	c.poolCapacity.Set(float64(capacity))
	c.activeExecutions.Set(float64(active))
	c.queuedRequests.Set(float64(queued))
}

// =============================================================================
// 📦 沙箱指标记录
// =============================================================================

// RecordImageVerification 记录镜像摘要校验
func (c *Collector) RecordImageVerification(tool string, ok bool) {
	c.imageVerifications.WithLabelValues(tool, verificationResult(ok)).Inc()
}

// RecordSandboxTransition 记录沙箱状态转换
func (c *Collector) RecordSandboxTransition(from, to string) {
	c.sandboxTransitions.WithLabelValues(from, to).Inc()
}

// RecordSandboxTeardown 记录沙箱回收；failed 表示回收前运行已失败
func (c *Collector) RecordSandboxTeardown(failed bool) {
	after := "success"
	if failed {
		after = "failure"
	}
	c.sandboxTeardowns.WithLabelValues(after).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func verificationResult(ok bool) string {
	if ok {
		return "match"
	}
	return "mismatch"
}
