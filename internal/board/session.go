package board

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"boardsync/internal/domain"
)

var (
	ErrUnknownItem   = errors.New("unknown item")
	ErrSessionClosed = errors.New("board session closed")
)

// Outcome is the end state of a move request.
type Outcome string

const (
	OutcomeRejected   Outcome = "rejected"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

type Options struct {
	ProjectID   string
	Actor       Actor
	Persistence Persistence
	Fetcher     Fetcher
	Feed        Feed
	Profiles    ProfileLookup
	Filter      Filter
	FetchFilter domain.ItemFilter
	Notifier    Notifier
	Logger      *log.Logger
	Verbose     bool
	OnChange    func(Change)
	OnEvent     func(domain.ItemEvent, Delivery)
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateOpen
	stateClosed
)

// Session is one open board: it owns the collection, the echo registry,
// and the feed subscription for a single project.
type Session struct {
	opts     Options
	store    *Store
	echoes   *EchoSuppressor
	listener *Listener

	mu      sync.Mutex
	state   sessionState
	aborted bool
	sub     Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSession(opts Options) (*Session, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("board: project id required")
	}
	if opts.Persistence == nil || opts.Fetcher == nil || opts.Feed == nil {
		return nil, fmt.Errorf("board: persistence, fetcher and feed are required")
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{Logger: opts.Logger}
	}
	store := NewStore(opts.Profiles, opts.Filter)
	store.onChange = opts.OnChange
	echoes := NewEchoSuppressor()
	return &Session{
		opts:   opts,
		store:  store,
		echoes: echoes,
		listener: &Listener{
			ProjectID: opts.ProjectID,
			Store:     store,
			Echoes:    echoes,
			Logger:    opts.Logger,
			OnEvent:   opts.OnEvent,
		},
	}, nil
}

// Open subscribes to the feed, loads the collection and starts applying
// pushed events. Events that arrive during the fetch are queued and applied
// after it.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateOpen:
		s.mu.Unlock()
		return nil
	case stateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = stateOpen
	s.mu.Unlock()

	sub, err := s.opts.Feed.Subscribe(runCtx, s.opts.ProjectID)
	if err != nil {
		s.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		_ = sub.Close()
		return ErrSessionClosed
	}
	s.sub = sub
	s.mu.Unlock()

	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()
	go func() {
		select {
		case <-runCtx.Done():
			stopFetch()
		case <-fetchCtx.Done():
		}
	}()
	items, err := s.opts.Fetcher.ListItems(fetchCtx, s.opts.ProjectID, s.opts.FetchFilter)
	s.mu.Lock()
	if s.aborted || s.state == stateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()
	if err != nil {
		s.Close()
		return fmt.Errorf("fetch items: %w", err)
	}
	s.store.load(items)

	done := make(chan struct{})
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.done = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		s.listener.Run(runCtx, sub)
	}()
	return nil
}

// Close tears the session down once; later calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	s.aborted = true
	cancel, sub, done := s.cancel, s.sub, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Close()
	}
	if done != nil {
		<-done
	}
	s.echoes.Reset()
	return err
}

func (s *Session) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Session) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return ErrSessionClosed
	}
	return nil
}

// Prepare evaluates a move without touching any state. A nil Move means
// the state machine rejected it.
func (s *Session) Prepare(itemID string, to domain.Status) (*Move, Decision, error) {
	if err := s.open(); err != nil {
		return nil, Decision{}, err
	}
	item, ok := s.store.Get(itemID)
	if !ok {
		return nil, Decision{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	decision := Evaluate(s.opts.Actor, item, to)
	if !decision.Approved {
		if s.opts.Verbose && s.opts.Logger != nil {
			s.opts.Logger.Printf("board: move %s %s->%s rejected: %s", itemID, decision.From, decision.To, decision.Reason)
		}
		return nil, decision, nil
	}
	return newMove(s.store, s.echoes, decision, item), decision, nil
}

// Move runs the full optimistic flow for one drop.
func (s *Session) Move(ctx context.Context, itemID string, to domain.Status) (Outcome, error) {
	m, _, err := s.Prepare(itemID, to)
	if err != nil {
		return OutcomeRejected, err
	}
	if m == nil {
		return OutcomeRejected, nil
	}
	m.Apply()
	returned, err := s.opts.Persistence.MoveItem(ctx, itemID, m.Next.Status, m.Next.Rank, m.Next.CompletedBy)
	if s.Aborted() {
		return OutcomeRolledBack, ErrSessionClosed
	}
	if err != nil {
		m.Rollback()
		s.opts.Notifier.Notify(Notice{ItemID: itemID, Message: "could not move item", Err: err})
		return OutcomeRolledBack, fmt.Errorf("move %s: %w", itemID, err)
	}
	m.Confirm(returned)
	return OutcomeCommitted, nil
}

// SetFilter swaps the display predicate.
func (s *Session) SetFilter(f Filter) { s.store.SetFilter(f) }

func (s *Session) ProjectID() string { return s.opts.ProjectID }

func (s *Session) Actor() Actor { return s.opts.Actor }

func (s *Session) Items() []domain.Item { return s.store.Items() }

func (s *Session) Visible() []domain.Item { return s.store.Visible() }

func (s *Session) Item(id string) (domain.Item, bool) { return s.store.Get(id) }

func (s *Session) Column(status domain.Status) []domain.Item { return s.store.Column(status) }

// Echoes exposes the session's suppression registry.
func (s *Session) Echoes() *EchoSuppressor { return s.echoes }
