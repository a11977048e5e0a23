package core

import (
	"github.com/google/uuid"
)

// Guards gates settlement and administrative operations. The engine checks
// trading state before every batch and admin identity before every
// parameter change.
type Guards interface {
	TradingAllowed() bool
	WithdrawalsAllowed() bool
	IsAdmin(account uuid.UUID) bool
	SetTrading(allowed bool)
	SetWithdrawals(allowed bool)
}

// StaticGuards is the in-memory Guards implementation. Mutations arrive
// through the engine's admin operations only.
type StaticGuards struct {
	trading     bool
	withdrawals bool
	admins      map[uuid.UUID]bool
}

func NewStaticGuards(admins ...uuid.UUID) *StaticGuards {
	g := &StaticGuards{
		trading:     true,
		withdrawals: true,
		admins:      make(map[uuid.UUID]bool, len(admins)),
	}
	for _, a := range admins {
		g.admins[a] = true
	}
	return g
}

func (g *StaticGuards) TradingAllowed() bool { return g.trading }
func (g *StaticGuards) WithdrawalsAllowed() bool { return g.withdrawals }

func (g *StaticGuards) IsAdmin(account uuid.UUID) bool {
	return g.admins[account]
}

func (g *StaticGuards) SetTrading(allowed bool) { g.trading = allowed }
func (g *StaticGuards) SetWithdrawals(allowed bool) { g.withdrawals = allowed }

func (g *StaticGuards) AddAdmin(account uuid.UUID) {
	g.admins[account] = true
}
