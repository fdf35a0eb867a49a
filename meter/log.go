package meter

import (
	"log/slog"

	"github.com/ineyio/creditgate"
)

// LogMeter logs ledger, gate and generation events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRenew(e creditgate.RenewEvent) {
	m.Logger.Info("renew",
		"user", e.UserID,
		"renewed", e.Renewed,
	)
}

func (m *LogMeter) OnConsume(e creditgate.ConsumeEvent) {
	if e.Error != nil {
		m.Logger.Warn("consume_error",
			"user", e.UserID,
			"label", e.Label,
			"amount", e.Amount,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("consume",
		"user", e.UserID,
		"label", e.Label,
		"amount", e.Amount,
		"from_grants", e.Amount-e.Debit.FreeCredit,
		"from_free", e.Debit.FreeCredit,
		"duration_ms", e.Duration.Milliseconds(),
	)
}

func (m *LogMeter) OnReserve(e creditgate.ReserveEvent) {
	switch {
	case e.Admitted:
		m.Logger.Info("reserve",
			"user", e.UserID,
			"task_type", e.TaskType.String(),
			"reservation", e.ReservationID,
		)
	case e.Error != nil:
		m.Logger.Warn("reserve_rejected",
			"user", e.UserID,
			"task_type", e.TaskType.String(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnCommit(e creditgate.CommitEvent) {
	if e.Error != nil {
		m.Logger.Warn("commit_error",
			"reservation", e.ReservationID,
			"status", string(e.Status),
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("commit",
		"reservation", e.ReservationID,
		"status", string(e.Status),
		"applied", e.Applied,
	)
}

func (m *LogMeter) OnGenerate(e creditgate.GenerateEvent) {
	if e.Success {
		m.Logger.Info("generate",
			"provider", e.Provider,
			"model", e.Model,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("generate_error",
			"provider", e.Provider,
			"model", e.Model,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
