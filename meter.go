package creditgate

import "time"

// Meter observes ledger, gate and generation events for monitoring/logging.
type Meter interface {
	// OnRenew is called after a renewal pass that renewed at least one grant.
	OnRenew(event RenewEvent)

	// OnConsume is called after every debit attempt.
	OnConsume(event ConsumeEvent)

	// OnReserve is called after every admission decision.
	OnReserve(event ReserveEvent)

	// OnCommit is called after every finalization attempt.
	OnCommit(event CommitEvent)

	// OnGenerate is called when a provider returns a result.
	OnGenerate(event GenerateEvent)
}

// RenewEvent describes a renewal pass.
type RenewEvent struct {
	UserID  string
	Renewed int64
}

// ConsumeEvent describes a debit attempt.
type ConsumeEvent struct {
	UserID   string
	Label    string
	Amount   int64
	Debit    Debit
	Duration time.Duration
	Error    error
}

// ReserveEvent describes an admission decision.
type ReserveEvent struct {
	UserID        string
	TaskType      TaskType
	ReservationID string
	Admitted      bool
	Error         error
}

// CommitEvent describes a finalization attempt.
type CommitEvent struct {
	ReservationID string
	Status        ReservationStatus
	Applied       bool
	Error         error
}

// GenerateEvent describes the outcome of a provider call.
type GenerateEvent struct {
	Provider string
	Model    string
	Attempt  int
	Success  bool
	Duration time.Duration
	Error    error
}
