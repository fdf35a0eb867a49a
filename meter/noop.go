package meter

import "github.com/ineyio/creditgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnRenew(creditgate.RenewEvent)       {}
func (m *NoopMeter) OnConsume(creditgate.ConsumeEvent)   {}
func (m *NoopMeter) OnReserve(creditgate.ReserveEvent)   {}
func (m *NoopMeter) OnCommit(creditgate.CommitEvent)     {}
func (m *NoopMeter) OnGenerate(creditgate.GenerateEvent) {}
