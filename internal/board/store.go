package board

import (
	"sort"
	"sync"

	"boardsync/internal/domain"
)

// ChangeSource says which path last wrote to the collection.
type ChangeSource string

const (
	SourceFetch      ChangeSource = "fetch"
	SourceOptimistic ChangeSource = "optimistic"
	SourceConfirmed  ChangeSource = "confirmed"
	SourceRollback   ChangeSource = "rollback"
	SourceRemote     ChangeSource = "remote"
)

// Change describes one write to the collection.
type Change struct {
	Source ChangeSource
	Kind   domain.EventKind
	ItemID string
}

// Store is the local item collection for one project. Only the mutator
// and the reconciler write to it; everything else reads snapshots.
type Store struct {
	mu       sync.RWMutex
	items    []domain.Item
	visible  []domain.Item
	filter   Filter
	lookup   ProfileLookup
	onChange func(Change)
}

func NewStore(lookup ProfileLookup, filter Filter) *Store {
	return &Store{lookup: lookup, filter: filter}
}

// Items returns a copy of the whole collection.
func (s *Store) Items() []domain.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.items)
}

// Visible returns the filtered subset in collection order.
func (s *Store) Visible() []domain.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneItems(s.visible)
}

func (s *Store) Get(id string) (domain.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return domain.Item{}, false
	}
	return s.items[i].Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Column returns the visible items in one column ordered by rank.
func (s *Store) Column(status domain.Status) []domain.Item {
	s.mu.RLock()
	var out []domain.Item
	for _, it := range s.visible {
		if it.Status == status {
			out = append(out, it.Clone())
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// CountInColumn counts every item in status, ignoring the display filter.
func (s *Store) CountInColumn(status domain.Status) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if it.Status == status {
			n++
		}
	}
	return n
}

// SetFilter replaces the display predicate and recomputes the visible set.
func (s *Store) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.refilter()
	s.mu.Unlock()
}

// load merges a fetched batch into the collection.
func (s *Store) load(items []domain.Item) {
	s.mu.Lock()
	for _, it := range items {
		s.upsertLocked(it, SourceFetch)
	}
	s.items = Dedupe(s.items)
	s.refilter()
	s.mu.Unlock()
	s.emit(Change{Source: SourceFetch})
}

// upsert merges item into the collection and reports whether it was new.
func (s *Store) upsert(item domain.Item, source ChangeSource) bool {
	s.mu.Lock()
	created := s.upsertLocked(item, source)
	s.items = Dedupe(s.items)
	s.refilter()
	s.mu.Unlock()
	kind := domain.EventUpdate
	if created {
		kind = domain.EventCreate
	}
	s.emit(Change{Source: source, Kind: kind, ItemID: item.ID})
	return created
}

// replace merges item over an existing entry and does nothing when the
// item is gone, so a delete seen on the feed is not undone.
func (s *Store) replace(item domain.Item, source ChangeSource) bool {
	s.mu.Lock()
	if s.indexOf(item.ID) < 0 {
		s.mu.Unlock()
		return false
	}
	s.upsertLocked(item, source)
	s.items = Dedupe(s.items)
	s.refilter()
	s.mu.Unlock()
	s.emit(Change{Source: source, Kind: domain.EventUpdate, ItemID: item.ID})
	return true
}

// restore puts snapshot back verbatim if the item is still present.
func (s *Store) restore(snapshot domain.Item) bool {
	s.mu.Lock()
	i := s.indexOf(snapshot.ID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.items[i] = snapshot.Clone()
	s.refilter()
	s.mu.Unlock()
	s.emit(Change{Source: SourceRollback, Kind: domain.EventUpdate, ItemID: snapshot.ID})
	return true
}

func (s *Store) remove(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.refilter()
	s.mu.Unlock()
	s.emit(Change{Source: SourceRemote, Kind: domain.EventDelete, ItemID: id})
	return true
}

func (s *Store) upsertLocked(item domain.Item, source ChangeSource) bool {
	item = item.Clone()
	i := s.indexOf(item.ID)
	if i >= 0 {
		item.Assignee = mergeAssignee(s.items[i].Assignee, item.Assignee, source != SourceConfirmed)
	}
	item = Resolve(item, s.lookup)
	if i >= 0 {
		s.items[i] = item
		return false
	}
	s.items = append(s.items, item)
	return true
}

func (s *Store) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) refilter() {
	s.visible = s.visible[:0]
	for _, it := range s.items {
		if s.filter == nil || s.filter(it) {
			s.visible = append(s.visible, it)
		}
	}
}

func (s *Store) emit(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}

// Dedupe collapses repeated ids. The first position wins, the last value wins.
func Dedupe(items []domain.Item) []domain.Item {
	pos := make(map[string]int, len(items))
	out := items[:0:0]
	for _, it := range items {
		if i, ok := pos[it.ID]; ok {
			out[i] = it
			continue
		}
		pos[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}

func cloneItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
