package app

import (
	"sync"

	"github.com/dkeye/coshop/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
	Forget(member core.MemberSession)
}

// SimplePolicy kicks anyone whose send queue is full.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return KickMember
}

func (SimplePolicy) Forget(core.MemberSession) {}

// BudgetPolicy drops frames for a slow member until it has missed Budget of
// them, then kicks it. A dropped cart snapshot is repaired by the next one;
// a kicked member reconnects and resyncs.
type BudgetPolicy struct {
	Budget int

	mu     sync.Mutex
	misses map[core.MemberSession]int
}

func NewBudgetPolicy(budget int) *BudgetPolicy {
	return &BudgetPolicy{Budget: budget, misses: make(map[core.MemberSession]int)}
}

func (p *BudgetPolicy) OnBackPressure(_ core.RoomService, member core.MemberSession) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.misses[member]++
	if p.misses[member] > p.Budget {
		delete(p.misses, member)
		return KickMember
	}
	return DropFrame
}

func (p *BudgetPolicy) Forget(member core.MemberSession) {
	p.mu.Lock()
	delete(p.misses, member)
	p.mu.Unlock()
}
