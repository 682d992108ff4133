// Package board is the task-movement synchronization core: it decides who
// may move which item where, applies moves optimistically, and reconciles
// the local collection with a pushed stream of remote mutations.
package board

import (
	"context"
	"log"
	"sync"

	"boardsync/internal/domain"
)

// Persistence writes an accepted move to the remote store.
type Persistence interface {
	MoveItem(ctx context.Context, id string, status domain.Status, rank int, completedBy *string) (domain.Item, error)
}

// Fetcher loads the full item collection for a project.
type Fetcher interface {
	ListItems(ctx context.Context, projectID string, filter domain.ItemFilter) ([]domain.Item, error)
}

// Feed opens a push stream of item mutations for one project.
type Feed interface {
	Subscribe(ctx context.Context, projectID string) (Subscription, error)
}

// Subscription is a cancellable event stream. Events is closed once the
// subscription ends; Close must be safe to call more than once.
type Subscription interface {
	Events() <-chan domain.ItemEvent
	Close() error
}

// ProfileLookup resolves an actor id to a display profile.
type ProfileLookup interface {
	Profile(id string) (domain.Profile, bool)
}

// Filter is a display predicate supplied by the consumer.
type Filter func(domain.Item) bool

// Actor is the person driving this board session.
type Actor struct {
	ID   string
	Role domain.Role
}

func (a Actor) IsLeader() bool { return a.Role == domain.RoleLeader }

// ProfileMap is a fixed lookup table.
type ProfileMap map[string]domain.Profile

func (m ProfileMap) Profile(id string) (domain.Profile, bool) {
	p, ok := m[id]
	return p, ok
}

// Directory is a ProfileLookup that can be refreshed while sessions read it.
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
}

func NewDirectory(members []domain.Member) *Directory {
	d := &Directory{}
	d.ReplaceMembers(members)
	return d
}

func (d *Directory) Profile(id string) (domain.Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	return p, ok
}

// Replace swaps the whole table.
func (d *Directory) Replace(profiles map[string]domain.Profile) {
	next := make(map[string]domain.Profile, len(profiles))
	for id, p := range profiles {
		next[id] = p
	}
	d.mu.Lock()
	d.profiles = next
	d.mu.Unlock()
}

func (d *Directory) ReplaceMembers(members []domain.Member) {
	profiles := make(map[string]domain.Profile, len(members))
	for _, m := range members {
		profiles[m.ActorID] = m.Profile()
	}
	d.Replace(profiles)
}

// Notice is a user-visible failure report.
type Notice struct {
	ItemID  string
	Message string
	Err     error
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(notice Notice) {
	l := n.Logger
	if l == nil {
		l = log.Default()
	}
	if notice.Err != nil {
		l.Printf("board: %s (item %s): %v", notice.Message, notice.ItemID, notice.Err)
		return
	}
	l.Printf("board: %s (item %s)", notice.Message, notice.ItemID)
}
