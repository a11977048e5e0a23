package state

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/google/uuid"

	fp "PerpSettle/internal/math"
)

// OrderFill tracks cumulative filled quantity per order. The transition of
// Filled from zero gates the one-time network surcharge.
type OrderFill struct {
	Filled        *big.Int
	SurchargePaid bool
}

func (of *OrderFill) clone() *OrderFill {
	return &OrderFill{
		Filled:        new(big.Int).Set(of.Filled),
		SurchargePaid: of.SurchargePaid,
	}
}

// Store owns all shared mutable engine state: the per-account position
// balances and local funding indexes, the global funding index, and order
// fill bookkeeping. It is held by exclusive reference in the settlement
// engine; all mutation flows through the single settle entry point.
type Store struct {
	balances     map[uuid.UUID]*PositionBalance
	localIndexes map[uuid.UUID]*FundingIndex
	globalIndex  *FundingIndex
	orderFills   map[uuid.UUID]*OrderFill
}

func NewStore() *Store {
	return &Store{
		balances:     make(map[uuid.UUID]*PositionBalance),
		localIndexes: make(map[uuid.UUID]*FundingIndex),
		globalIndex:  NewFundingIndex(0),
		orderFills:   make(map[uuid.UUID]*OrderFill),
	}
}

// Balance returns a copy of the account's position, creating the implicit
// zero-valued position on first reference.
func (s *Store) Balance(account uuid.UUID) *PositionBalance {
	if b, ok := s.balances[account]; ok {
		return b.Clone()
	}
	return NewPositionBalance()
}

// SetBalance commits a replacement balance for an account. Zero-quantity
// balances decay to the implicit zero state and are dropped from the map.
func (s *Store) SetBalance(account uuid.UUID, b *PositionBalance) {
	b.Normalize()
	if b.IsFlat() && b.Margin.Sign() == 0 && b.OIOpen.Sign() == 0 {
		delete(s.balances, account)
		return
	}
	s.balances[account] = b.Clone()
}

// LocalIndex returns a copy of the account's cached funding index, seeded
// from the current global index on first reference so a brand-new position
// never settles historical funding.
func (s *Store) LocalIndex(account uuid.UUID) *FundingIndex {
	if ix, ok := s.localIndexes[account]; ok {
		return ix.Clone()
	}
	return s.globalIndex.Clone()
}

func (s *Store) SetLocalIndex(account uuid.UUID, ix *FundingIndex) {
	s.localIndexes[account] = ix.Clone()
}

func (s *Store) GlobalIndex() *FundingIndex {
	return s.globalIndex.Clone()
}

func (s *Store) SetGlobalIndex(ix *FundingIndex) {
	s.globalIndex = ix.Clone()
}

// OrderFilled returns the cumulative filled quantity for an order.
func (s *Store) OrderFilled(orderID uuid.UUID) *big.Int {
	if of, ok := s.orderFills[orderID]; ok {
		return new(big.Int).Set(of.Filled)
	}
	return fp.Zero()
}

// RecordOrderFill adds qty to an order's cumulative fill and reports
// whether this fill is the order's first.
func (s *Store) RecordOrderFill(orderID uuid.UUID, qty *big.Int) (first bool) {
	of, ok := s.orderFills[orderID]
	if !ok {
		of = &OrderFill{Filled: fp.Zero()}
		s.orderFills[orderID] = of
	}
	first = of.Filled.Sign() == 0
	of.Filled = fp.Add(of.Filled, qty)
	return first
}

func (s *Store) MarkSurchargePaid(orderID uuid.UUID) {
	if of, ok := s.orderFills[orderID]; ok {
		of.SurchargePaid = true
	}
}

func (s *Store) SurchargePaid(orderID uuid.UUID) bool {
	of, ok := s.orderFills[orderID]
	return ok && of.SurchargePaid
}

// Accounts returns every account with a live balance, sorted by uuid byte
// order for deterministic iteration.
func (s *Store) Accounts() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.balances))
	for a := range s.balances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// --- batch atomicity ---

// Checkpoint captures the state touched by a batch so a failed batch can be
// rolled back without partial commits.
type Checkpoint struct {
	balances     map[uuid.UUID]*PositionBalance // nil value = absent before
	localIndexes map[uuid.UUID]*FundingIndex
	globalIndex  *FundingIndex
	orderFills   map[uuid.UUID]*OrderFill
}

// Checkpoint snapshots the given accounts plus the global index and all
// order fill state.
func (s *Store) Checkpoint(accounts []uuid.UUID) *Checkpoint {
	cp := &Checkpoint{
		balances:     make(map[uuid.UUID]*PositionBalance, len(accounts)),
		localIndexes: make(map[uuid.UUID]*FundingIndex, len(accounts)),
		globalIndex:  s.globalIndex.Clone(),
		orderFills:   make(map[uuid.UUID]*OrderFill, len(s.orderFills)),
	}
	for _, a := range accounts {
		if b, ok := s.balances[a]; ok {
			cp.balances[a] = b.Clone()
		} else {
			cp.balances[a] = nil
		}
		if ix, ok := s.localIndexes[a]; ok {
			cp.localIndexes[a] = ix.Clone()
		} else {
			cp.localIndexes[a] = nil
		}
	}
	for id, of := range s.orderFills {
		cp.orderFills[id] = of.clone()
	}
	return cp
}

// Rollback restores the store to a checkpoint taken at batch start.
func (s *Store) Rollback(cp *Checkpoint) {
	for a, b := range cp.balances {
		if b == nil {
			delete(s.balances, a)
		} else {
			s.balances[a] = b.Clone()
		}
	}
	for a, ix := range cp.localIndexes {
		if ix == nil {
			delete(s.localIndexes, a)
		} else {
			s.localIndexes[a] = ix.Clone()
		}
	}
	s.globalIndex = cp.globalIndex.Clone()
	s.orderFills = make(map[uuid.UUID]*OrderFill, len(cp.orderFills))
	for id, of := range cp.orderFills {
		s.orderFills[id] = of.clone()
	}
}
