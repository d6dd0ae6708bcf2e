// Package metrics собирает Prometheus метрики сессий, SFU туннеля,
// конференций и плагинов.
//
// Все методы безопасны для nil получателя, поэтому библиотечный код
// принимает *Collector и не проверяет его наличие.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Registerer реестр; nil - prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "sfuphone"}
}

// Collector набор метрик
type Collector struct {
	sessionsTotal    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	terminalCauses   *prometheus.CounterVec

	sfuOperations  *prometheus.CounterVec
	trickleBatches prometheus.Counter
	trickleSize    prometheus.Histogram

	members        prometheus.Gauge
	pluginFailures *prometheus.CounterVec
	pluginResyncs  *prometheus.CounterVec
}

// New создает и регистрирует метрики
func New(cfg Config) *Collector {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns := cfg.Namespace

	return &Collector{
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of sessions created",
		}, []string{"direction"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of non-terminated sessions",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session lifetime from creation to termination",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session status transitions",
		}, []string{"from", "to"}),
		terminalCauses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "session",
			Name:      "terminated_total",
			Help:      "Terminated sessions by cause and originator",
		}, []string{"cause", "originator"}),
		sfuOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "sfu",
			Name:      "operations_total",
			Help:      "SFU tunnel operations by kind and result",
		}, []string{"operation", "result"}),
		trickleBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "sfu",
			Name:      "trickle_batches_total",
			Help:      "Flushed ICE candidate batches",
		}),
		trickleSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "sfu",
			Name:      "trickle_batch_size",
			Help:      "Number of candidates per flushed batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32},
		}),
		members: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "room",
			Name:      "members",
			Help:      "Number of tracked conference members",
		}),
		pluginFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "plugin",
			Name:      "start_failures_total",
			Help:      "Plugin start failures absorbed by the pipeline",
		}, []string{"plugin"}),
		pluginResyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "plugin",
			Name:      "resyncs_total",
			Help:      "Pipeline resync cycles by stream type",
		}, []string{"type"}),
	}
}

// SessionCreated учитывает новую сессию
func (c *Collector) SessionCreated(direction string) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(direction).Inc()
	c.sessionsActive.Inc()
}

// SessionTerminated учитывает завершение сессии
func (c *Collector) SessionTerminated(cause, originator string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.terminalCauses.WithLabelValues(cause, originator).Inc()
	c.sessionDuration.Observe(lifetime.Seconds())
}

// StateTransition учитывает смену статуса
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// SFUOperation учитывает операцию туннеля; err == nil означает успех
func (c *Collector) SFUOperation(op string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sfuOperations.WithLabelValues(op, result).Inc()
}

// TrickleBatch учитывает отправленную пачку кандидатов
func (c *Collector) TrickleBatch(size int) {
	if c == nil {
		return
	}
	c.trickleBatches.Inc()
	c.trickleSize.Observe(float64(size))
}

// MembersDelta изменяет число участников
func (c *Collector) MembersDelta(delta int) {
	if c == nil {
		return
	}
	c.members.Add(float64(delta))
}

// PluginFailure учитывает неудачный запуск плагина
func (c *Collector) PluginFailure(plugin string) {
	if c == nil {
		return
	}
	c.pluginFailures.WithLabelValues(plugin).Inc()
}

// PluginResync учитывает цикл пересинхронизации
func (c *Collector) PluginResync(streamType string) {
	if c == nil {
		return
	}
	c.pluginResyncs.WithLabelValues(streamType).Inc()
}
