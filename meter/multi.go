package meter

import "github.com/ineyio/creditgate"

// Multi fans every event out to each meter in order.
type Multi []creditgate.Meter

var _ creditgate.Meter = Multi(nil)

func (m Multi) OnRenew(e creditgate.RenewEvent) {
	for _, mm := range m {
		mm.OnRenew(e)
	}
}

func (m Multi) OnConsume(e creditgate.ConsumeEvent) {
	for _, mm := range m {
		mm.OnConsume(e)
	}
}

func (m Multi) OnReserve(e creditgate.ReserveEvent) {
	for _, mm := range m {
		mm.OnReserve(e)
	}
}

func (m Multi) OnCommit(e creditgate.CommitEvent) {
	for _, mm := range m {
		mm.OnCommit(e)
	}
}

func (m Multi) OnGenerate(e creditgate.GenerateEvent) {
	for _, mm := range m {
		mm.OnGenerate(e)
	}
}
