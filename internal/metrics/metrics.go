package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 服务级 Prometheus 指标
var (
	// ReadingsIngested 成功摄入的读数计数（含重复忽略）
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "ingest",
		Name:      "readings_total",
		Help:      "Number of vitals readings processed, by result.",
	}, []string{"result"}) // accepted, duplicate, rejected, error

	// AlertTransitions 报警状态机转换计数
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "escalation",
		Name:      "transitions_total",
		Help:      "Number of alert state machine transitions, by type.",
	}, []string{"transition"})

	// ActiveAlerts 当前活跃报警数
	ActiveAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "artemis",
		Subsystem: "escalation",
		Name:      "active_alerts",
		Help:      "Number of live alert states, by tier.",
	}, []string{"tier"})

	// DoseOutcomes 剂次终态计数
	DoseOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "scheduler",
		Name:      "dose_outcomes_total",
		Help:      "Number of dose events reaching a terminal status.",
	}, []string{"status"}) // taken, missed

	// NotificationsDelivered 成功投递的通知计数
	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "dispatcher",
		Name:      "delivered_total",
		Help:      "Number of notifications delivered, by channel.",
	}, []string{"channel"})

	// NotificationsFailed 永久失败的通知计数（运维可见性）
	NotificationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "dispatcher",
		Name:      "failed_permanent_total",
		Help:      "Number of notifications that exhausted retries.",
	}, []string{"channel"})

	// NotificationsDeduped 幂等键命中（重复投递被拦截）计数
	NotificationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "dispatcher",
		Name:      "deduplicated_total",
		Help:      "Number of notification sends suppressed by the dedup store.",
	})

	// InsightRuns 洞察聚合运行计数
	InsightRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "artemis",
		Subsystem: "insights",
		Name:      "runs_total",
		Help:      "Number of insight aggregation runs, by result.",
	}, []string{"result"}) // success, error
)
