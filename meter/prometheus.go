package meter

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/creditgate"
)

// PromMeter exports ledger, gate and generation events as Prometheus metrics.
type PromMeter struct {
	ConsumeTotal     *prometheus.CounterVec
	ConsumedCredit   *prometheus.CounterVec
	RenewedGrants    prometheus.Counter
	Reservations     *prometheus.CounterVec
	Commits          *prometheus.CounterVec
	GenerateDuration *prometheus.HistogramVec
	GenerateTotal    *prometheus.CounterVec
}

var _ creditgate.Meter = (*PromMeter)(nil)

// NewPromMeter registers the creditgate metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PromMeter{
		ConsumeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ledger",
			Name:      "consume_total",
			Help:      "Debit attempts by result.",
		}, []string{"result"}),
		ConsumedCredit: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ledger",
			Name:      "consumed_credit_total",
			Help:      "Credit debited by source (grant or free).",
		}, []string{"source"}),
		RenewedGrants: f.NewCounter(prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "ledger",
			Name:      "renewed_grants_total",
			Help:      "Subscription grants advanced to a new period.",
		}),
		Reservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "gate",
			Name:      "reservations_total",
			Help:      "Admission decisions by task type and result.",
		}, []string{"task_type", "result"}),
		Commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "gate",
			Name:      "commits_total",
			Help:      "Reservation finalizations by status and whether they applied.",
		}, []string{"status", "applied"}),
		GenerateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "creditgate",
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Provider call duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		GenerateTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditgate",
			Subsystem: "generation",
			Name:      "calls_total",
			Help:      "Provider calls by provider and result.",
		}, []string{"provider", "result"}),
	}
}

func (m *PromMeter) OnRenew(e creditgate.RenewEvent) {
	m.RenewedGrants.Add(float64(e.Renewed))
}

func (m *PromMeter) OnConsume(e creditgate.ConsumeEvent) {
	m.ConsumeTotal.WithLabelValues(consumeResult(e.Error)).Inc()
	if e.Error != nil {
		return
	}
	m.ConsumedCredit.WithLabelValues("grant").Add(float64(e.Amount - e.Debit.FreeCredit))
	m.ConsumedCredit.WithLabelValues("free").Add(float64(e.Debit.FreeCredit))
}

func (m *PromMeter) OnReserve(e creditgate.ReserveEvent) {
	result := "admitted"
	switch {
	case e.Admitted:
	case errors.Is(e.Error, creditgate.ErrRateLimited):
		result = "rate_limited"
	default:
		result = "error"
	}
	m.Reservations.WithLabelValues(e.TaskType.String(), result).Inc()
}

func (m *PromMeter) OnCommit(e creditgate.CommitEvent) {
	applied := strconv.FormatBool(e.Applied)
	if e.Error != nil {
		applied = "error"
	}
	m.Commits.WithLabelValues(string(e.Status), applied).Inc()
}

func (m *PromMeter) OnGenerate(e creditgate.GenerateEvent) {
	result := "success"
	if !e.Success {
		result = "error"
	}
	m.GenerateTotal.WithLabelValues(e.Provider, result).Inc()
	m.GenerateDuration.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())
}

func consumeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, creditgate.ErrInsufficientCredit):
		return "insufficient"
	case errors.Is(err, creditgate.ErrAccountNotFound):
		return "unknown_account"
	default:
		return "error"
	}
}
