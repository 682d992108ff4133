package board

import (
	"boardsync/internal/domain"
)

// Move is one approved column change: the pre-move snapshot, the
// optimistic record, and the operations that apply or undo it locally.
type Move struct {
	Decision Decision
	Previous domain.Item
	Next     domain.Item

	store   *Store
	echoes  *EchoSuppressor
	applied bool
}

func newMove(store *Store, echoes *EchoSuppressor, decision Decision, previous domain.Item) *Move {
	next := previous.Clone()
	next.Status = decision.To
	next.Rank = store.CountInColumn(decision.To)
	next.CompletedBy = nil
	if decision.CompletedBy != nil {
		by := *decision.CompletedBy
		next.CompletedBy = &by
	}
	return &Move{
		Decision: decision,
		Previous: previous.Clone(),
		Next:     next,
		store:    store,
		echoes:   echoes,
	}
}

func (m *Move) ItemID() string { return m.Previous.ID }

// Apply writes the optimistic record and marks the item as awaiting its echo.
func (m *Move) Apply() {
	if m.applied {
		return
	}
	m.store.upsert(m.Next, SourceOptimistic)
	m.echoes.Register(m.ItemID())
	m.applied = true
}

// Rollback restores the snapshot and forgets the pending echo.
func (m *Move) Rollback() {
	if !m.applied {
		return
	}
	m.echoes.Release(m.ItemID())
	m.store.restore(m.Previous)
	m.applied = false
}

// Confirm merges the record the remote store returned. It reports false
// when the item was deleted while the write was in flight.
func (m *Move) Confirm(returned domain.Item) bool {
	if returned.ID == "" {
		returned.ID = m.ItemID()
	}
	if !returned.Status.Valid() {
		return false
	}
	return m.store.replace(returned, SourceConfirmed)
}
