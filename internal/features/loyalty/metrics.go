// Package loyalty — metrics.go считает операции с леджером для Prometheus.
package loyalty

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"qwikker.com/loyalty/internal/common"
)

// Metrics — счётчики операций с леджером.
type Metrics struct {
	operations *prometheus.CounterVec
}

// NewMetrics создаёт счётчики и регистрирует их в reg (nil — не регистрировать).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loyalty_ledger_operations_total",
			Help: "Ledger operations by kind and result.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations)
	}
	return m
}

// Observe увеличивает счётчик для операции kind с результатом err.
func (m *Metrics) Observe(kind string, replayed bool, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, resultLabel(replayed, err)).Inc()
}

func resultLabel(replayed bool, err error) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, common.ErrDailyLimitReached), errors.Is(err, common.ErrTooSoon):
		return "limited"
	case errors.Is(err, common.ErrBelowThreshold):
		return "below_threshold"
	case errors.Is(err, common.ErrProgramNotActive), errors.Is(err, common.ErrProgramEnded):
		return "inactive"
	case errors.Is(err, common.ErrWrongPIN), errors.Is(err, common.ErrTooManyPINAttempts):
		return "pin_rejected"
	case errors.Is(err, common.ErrIdempotencyConflict):
		return "conflict"
	default:
		return "error"
	}
}
