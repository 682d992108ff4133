package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardsync/internal/domain"
)

type fakeSub struct {
	mu     sync.Mutex
	ch     chan domain.ItemEvent
	closed bool
	closes int
}

func (s *fakeSub) Events() <-chan domain.ItemEvent { return s.ch }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *fakeSub) send(evt domain.ItemEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- evt
}

func (s *fakeSub) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// fakeHub fans events out to every subscription, like a shared push channel.
type fakeHub struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (h *fakeHub) Subscribe(ctx context.Context, projectID string) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	sub := &fakeSub{ch: make(chan domain.ItemEvent, 32)}
	h.subs = append(h.subs, sub)
	return sub, nil
}

func (h *fakeHub) publish(evt domain.ItemEvent) {
	h.mu.Lock()
	subs := append([]*fakeSub(nil), h.subs...)
	h.mu.Unlock()
	for _, s := range subs {
		s.send(evt)
	}
}

func (h *fakeHub) sub(i int) *fakeSub {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subs[i]
}

type moveCall struct {
	ID          string
	Status      domain.Status
	Rank        int
	CompletedBy *string
}

// fakeServer is the remote store shared by every session in a test.
type fakeServer struct {
	mu      sync.Mutex
	items   []domain.Item
	hub     *fakeHub
	moveErr error
	moves   []moveCall
}

func newFakeServer(hub *fakeHub, items ...domain.Item) *fakeServer {
	return &fakeServer{hub: hub, items: items}
}

func (s *fakeServer) ListItems(ctx context.Context, projectID string, filter domain.ItemFilter) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, it := range s.items {
		if it.ProjectID == projectID {
			out = append(out, it.Clone())
		}
	}
	return out, nil
}

func (s *fakeServer) MoveItem(ctx context.Context, id string, status domain.Status, rank int, completedBy *string) (domain.Item, error) {
	s.mu.Lock()
	s.moves = append(s.moves, moveCall{ID: id, Status: status, Rank: rank, CompletedBy: completedBy})
	if s.moveErr != nil {
		err := s.moveErr
		s.mu.Unlock()
		return domain.Item{}, err
	}
	var updated domain.Item
	found := false
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Status = status
			s.items[i].Rank = rank
			s.items[i].CompletedBy = completedBy
			updated = s.items[i].Clone()
			found = true
		}
	}
	s.mu.Unlock()
	if !found {
		return domain.Item{}, errors.New("not found")
	}
	if s.hub != nil {
		evt := updated.Clone()
		s.hub.publish(domain.ItemEvent{Kind: domain.EventUpdate, ProjectID: updated.ProjectID, Item: &evt})
	}
	return updated, nil
}

func (s *fakeServer) calls() []moveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]moveCall(nil), s.moves...)
}

func (s *fakeServer) setMoveErr(err error) {
	s.mu.Lock()
	s.moveErr = err
	s.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *recordingNotifier) Notify(notice Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

var testProfiles = ProfileMap{
	"u1":     {ID: "u1", Name: "Alice", Email: "alice@example.com"},
	"u2":     {ID: "u2", Name: "Bob"},
	"lead-1": {ID: "lead-1", Name: "Lena"},
}

func item(id string, status domain.Status, assignee string) domain.Item {
	return domain.Item{
		ID:        id,
		ProjectID: "p1",
		Status:    status,
		Assignee:  domain.AssigneeReference(assignee),
		Title:     "item " + id,
	}
}

type sessionHarness struct {
	session    *Session
	notifier   *recordingNotifier
	deliveries chan Delivery
}

func openSession(t *testing.T, actor Actor, server *fakeServer, hub *fakeHub) sessionHarness {
	t.Helper()
	h := sessionHarness{
		notifier:   &recordingNotifier{},
		deliveries: make(chan Delivery, 32),
	}
	s, err := NewSession(Options{
		ProjectID:   "p1",
		Actor:       actor,
		Persistence: server,
		Fetcher:     server,
		Feed:        hub,
		Profiles:    testProfiles,
		Notifier:    h.notifier,
		OnEvent: func(evt domain.ItemEvent, d Delivery) {
			h.deliveries <- d
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h.session = s
	return h
}

func waitDelivery(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for feed delivery")
		return ""
	}
}
