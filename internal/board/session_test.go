package board

import (
	"context"
	"errors"
	"testing"
	"time"

	"boardsync/internal/domain"
)

func TestMoveRejectedForNonOwner(t *testing.T) {
	hub := &fakeHub{}
	server := newFakeServer(hub, item("x", domain.StatusBacklog, "u1"))
	h := openSession(t, Actor{ID: "u2", Role: domain.RoleMember}, server, hub)

	outcome, err := h.session.Move(context.Background(), "x", domain.StatusInProgress)
	if err != nil {
		t.Fatalf("rejection should be silent, got %v", err)
	}
	if outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", outcome)
	}
	if len(server.calls()) != 0 {
		t.Fatalf("rejected move must not reach persistence")
	}
	got, _ := h.session.Item("x")
	if got.Status != domain.StatusBacklog {
		t.Fatalf("rejected move changed local state: %s", got.Status)
	}
	if h.session.Echoes().Len() != 0 {
		t.Fatalf("rejected move must not register an echo")
	}
	if h.notifier.count() != 0 {
		t.Fatalf("rejection must not raise a notice")
	}
}

func TestMoveRankIsPreMoveColumnCount(t *testing.T) {
	server := newFakeServer(nil,
		item("x", domain.StatusBacklog, "u1"),
		item("a", domain.StatusInProgress, "u2"),
		item("b", domain.StatusInProgress, "u2"),
		item("c", domain.StatusInProgress, "u2"),
	)
	h := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, &fakeHub{})

	outcome, err := h.session.Move(context.Background(), "x", domain.StatusInProgress)
	if err != nil || outcome != OutcomeCommitted {
		t.Fatalf("move: %s %v", outcome, err)
	}
	calls := server.calls()
	if len(calls) != 1 || calls[0].Rank != 3 || calls[0].Status != domain.StatusInProgress {
		t.Fatalf("unexpected persistence calls %+v", calls)
	}
	if calls[0].CompletedBy != nil {
		t.Fatalf("in-progress move must clear completedBy")
	}
	got, _ := h.session.Item("x")
	if got.Rank != 3 || got.Status != domain.StatusInProgress {
		t.Fatalf("unexpected local item %+v", got)
	}
}

func TestLeaderCompletesWithCompletedBy(t *testing.T) {
	server := newFakeServer(nil, item("x", domain.StatusReview, "u1"))
	h := openSession(t, Actor{ID: "lead-1", Role: domain.RoleLeader}, server, &fakeHub{})

	if _, err := h.session.Move(context.Background(), "x", domain.StatusCompleted); err != nil {
		t.Fatalf("move: %v", err)
	}
	calls := server.calls()
	if len(calls) != 1 || calls[0].CompletedBy == nil || *calls[0].CompletedBy != "lead-1" {
		t.Fatalf("expected completedBy lead-1, got %+v", calls)
	}
	got, _ := h.session.Item("x")
	if got.CompletedBy == nil || *got.CompletedBy != "lead-1" {
		t.Fatalf("local item missing completedBy")
	}
}

func TestMemberCannotComplete(t *testing.T) {
	server := newFakeServer(nil, item("x", domain.StatusReview, "u1"))
	h := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, &fakeHub{})

	outcome, err := h.session.Move(context.Background(), "x", domain.StatusCompleted)
	if err != nil || outcome != OutcomeRejected {
		t.Fatalf("expected silent rejection, got %s %v", outcome, err)
	}
	if len(server.calls()) != 0 {
		t.Fatalf("unexpected persistence call")
	}
}

func TestMoveFailureRollsBack(t *testing.T) {
	server := newFakeServer(nil, item("x", domain.StatusBacklog, "u1"))
	server.setMoveErr(errors.New("network down"))
	h := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, &fakeHub{})

	outcome, err := h.session.Move(context.Background(), "x", domain.StatusInProgress)
	if outcome != OutcomeRolledBack || err == nil {
		t.Fatalf("expected rollback with error, got %s %v", outcome, err)
	}
	got, _ := h.session.Item("x")
	if got.Status != domain.StatusBacklog {
		t.Fatalf("expected rollback to backlog, got %s", got.Status)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one notice, got %d", h.notifier.count())
	}
	if h.session.Echoes().Pending("x") {
		t.Fatalf("failed write must release the echo entry")
	}

	server.setMoveErr(nil)
	outcome, err = h.session.Move(context.Background(), "x", domain.StatusInProgress)
	if err != nil || outcome != OutcomeCommitted {
		t.Fatalf("item should remain movable, got %s %v", outcome, err)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("successful retry must not raise a notice")
	}
}

func TestPreparedMoveApplyAndRollback(t *testing.T) {
	server := newFakeServer(nil, item("x", domain.StatusBacklog, "u1"))
	h := openSession(t, Actor{ID: "lead-1", Role: domain.RoleLeader}, server, &fakeHub{})

	m, d, err := h.session.Prepare("x", domain.StatusInProgress)
	if err != nil || m == nil || !d.Approved {
		t.Fatalf("prepare: %v %+v", err, d)
	}
	m.Apply()
	got, _ := h.session.Item("x")
	if got.Status != domain.StatusInProgress || !h.session.Echoes().Pending("x") {
		t.Fatalf("apply should write optimistically and register the echo")
	}
	m.Rollback()
	got, _ = h.session.Item("x")
	if got.Status != domain.StatusBacklog || h.session.Echoes().Pending("x") {
		t.Fatalf("rollback should restore the snapshot and release the echo")
	}

	if _, _, err := h.session.Prepare("missing", domain.StatusInProgress); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestTwoClientsEchoSuppression(t *testing.T) {
	hub := &fakeHub{}
	server := newFakeServer(hub, item("z", domain.StatusBacklog, "u1"))
	a := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, hub)
	b := openSession(t, Actor{ID: "u2", Role: domain.RoleMember}, server, hub)

	if _, err := a.session.Move(context.Background(), "z", domain.StatusInProgress); err != nil {
		t.Fatalf("move: %v", err)
	}
	if d := waitDelivery(t, a.deliveries); d != DeliveryEcho {
		t.Fatalf("client A delivery = %s, want echo", d)
	}
	if d := waitDelivery(t, b.deliveries); d != DeliveryApplied {
		t.Fatalf("client B delivery = %s, want applied", d)
	}
	if a.session.Echoes().Len() != 0 {
		t.Fatalf("echo entry should be consumed")
	}
	gotB, _ := b.session.Item("z")
	if gotB.Status != domain.StatusInProgress {
		t.Fatalf("client B should see the move, got %s", gotB.Status)
	}
	if gotB.Assignee.DisplayName() != "Alice" {
		t.Fatalf("client B should resolve the assignee, got %q", gotB.Assignee.DisplayName())
	}
	gotA, _ := a.session.Item("z")
	if gotA.Status != domain.StatusInProgress || gotA.Assignee.DisplayName() != "Alice" {
		t.Fatalf("client A lost its state: %+v", gotA)
	}
	if len(a.session.Items()) != 1 || len(b.session.Items()) != 1 {
		t.Fatalf("no duplicates expected")
	}
}

func TestConcurrentMovesShareRank(t *testing.T) {
	server := newFakeServer(nil,
		item("x", domain.StatusBacklog, "u1"),
		item("y", domain.StatusBacklog, "u2"),
		item("w", domain.StatusInProgress, "u2"),
	)
	a := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, &fakeHub{})
	b := openSession(t, Actor{ID: "u2", Role: domain.RoleMember}, server, &fakeHub{})

	if _, err := a.session.Move(context.Background(), "x", domain.StatusInProgress); err != nil {
		t.Fatalf("move a: %v", err)
	}
	if _, err := b.session.Move(context.Background(), "y", domain.StatusInProgress); err != nil {
		t.Fatalf("move b: %v", err)
	}
	calls := server.calls()
	if len(calls) != 2 || calls[0].Rank != 1 || calls[1].Rank != 1 {
		t.Fatalf("expected both clients to compute rank 1, got %+v", calls)
	}
}

func TestRemoteEventsApplyInOrder(t *testing.T) {
	hub := &fakeHub{}
	server := newFakeServer(hub, item("x", domain.StatusBacklog, "u1"))
	h := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, hub)

	created := item("n", domain.StatusBacklog, "u2")
	hub.publish(domain.ItemEvent{Kind: domain.EventCreate, ProjectID: "p1", Item: &created})
	hub.publish(domain.ItemEvent{Kind: domain.EventCreate, ProjectID: "other", Item: &created})
	hub.publish(domain.ItemEvent{Kind: domain.EventUpdate, ProjectID: "p1"})
	hub.publish(domain.ItemEvent{Kind: domain.EventDelete, ProjectID: "p1", ItemID: "x"})

	want := []Delivery{DeliveryApplied, DeliveryForeign, DeliveryMalformed, DeliveryApplied}
	for i, w := range want {
		if d := waitDelivery(t, h.deliveries); d != w {
			t.Fatalf("delivery %d = %s, want %s", i, d, w)
		}
	}
	items := h.session.Items()
	if len(items) != 1 || items[0].ID != "n" {
		t.Fatalf("unexpected collection %+v", items)
	}
	if items[0].Assignee.DisplayName() != "Bob" {
		t.Fatalf("expected resolved assignee, got %q", items[0].Assignee.DisplayName())
	}
}

func TestCloseTearsDownOnce(t *testing.T) {
	hub := &fakeHub{}
	server := newFakeServer(hub, item("x", domain.StatusBacklog, "u1"))
	h := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, hub)

	if err := h.session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := hub.sub(0).closeCount(); got != 1 {
		t.Fatalf("subscription closed %d times, want 1", got)
	}
	if _, err := h.session.Move(context.Background(), "x", domain.StatusInProgress); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := h.session.Open(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("closed session must not reopen, got %v", err)
	}
}

type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) ListItems(ctx context.Context, projectID string, filter domain.ItemFilter) ([]domain.Item, error) {
	close(f.started)
	<-ctx.Done()
	return []domain.Item{item("late", domain.StatusBacklog, "")}, nil
}

func TestCloseDuringFetchDiscardsResult(t *testing.T) {
	hub := &fakeHub{}
	fetcher := &blockingFetcher{started: make(chan struct{})}
	s, err := NewSession(Options{
		ProjectID:   "p1",
		Actor:       Actor{ID: "u1"},
		Persistence: newFakeServer(nil),
		Fetcher:     fetcher,
		Feed:        hub,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.Open(context.Background()) }()
	<-fetcher.started
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("open did not return after close")
	}
	if len(s.Items()) != 0 {
		t.Fatalf("aborted fetch must not populate the collection")
	}
	if !s.Aborted() {
		t.Fatalf("expected aborted flag")
	}
	if got := hub.sub(0).closeCount(); got != 1 {
		t.Fatalf("subscription closed %d times, want 1", got)
	}
}

// deletingServer commits the move, then has the item deleted on the feed
// and waits for the session to apply the delete before answering.
type deletingServer struct {
	*fakeServer
	t          *testing.T
	deliveries chan Delivery
}

func (s *deletingServer) MoveItem(ctx context.Context, id string, status domain.Status, rank int, completedBy *string) (domain.Item, error) {
	returned, err := s.fakeServer.MoveItem(ctx, id, status, rank, completedBy)
	if err != nil {
		return returned, err
	}
	s.hub.publish(domain.ItemEvent{Kind: domain.EventDelete, ProjectID: "p1", ItemID: id})
	for {
		if d := waitDelivery(s.t, s.deliveries); d == DeliveryApplied {
			return returned, nil
		}
	}
}

func TestDeleteDuringMoveIsNotUndone(t *testing.T) {
	hub := &fakeHub{}
	server := &deletingServer{
		fakeServer: newFakeServer(hub, item("x", domain.StatusBacklog, "u1")),
		t:          t,
		deliveries: make(chan Delivery, 32),
	}
	s, err := NewSession(Options{
		ProjectID:   "p1",
		Actor:       Actor{ID: "u1", Role: domain.RoleMember},
		Persistence: server,
		Fetcher:     server,
		Feed:        hub,
		Profiles:    testProfiles,
		Notifier:    &recordingNotifier{},
		OnEvent:     func(_ domain.ItemEvent, d Delivery) { server.deliveries <- d },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	outcome, err := s.Move(context.Background(), "x", domain.StatusInProgress)
	if err != nil || outcome != OutcomeCommitted {
		t.Fatalf("move: %s %v", outcome, err)
	}
	if got, ok := s.Item("x"); ok {
		t.Fatalf("deleted item came back as %s", got.Status)
	}
	if s.Echoes().Len() != 0 {
		t.Fatalf("delete must release the pending echo")
	}
}

func TestRemoteUnassignRevokesOwnership(t *testing.T) {
	hub := &fakeHub{}
	server := newFakeServer(hub, item("x", domain.StatusBacklog, "u1"))
	h := openSession(t, Actor{ID: "u1", Role: domain.RoleMember}, server, hub)

	before, _ := h.session.Item("x")
	if p, ok := before.Assignee.Profile(); !ok || p.Name != "Alice" {
		t.Fatalf("expected resolved assignee before unassign, got %+v", before.Assignee)
	}

	cleared := item("x", domain.StatusBacklog, "")
	hub.publish(domain.ItemEvent{Kind: domain.EventUpdate, ProjectID: "p1", Item: &cleared})
	if d := waitDelivery(t, h.deliveries); d != DeliveryApplied {
		t.Fatalf("delivery = %s, want applied", d)
	}

	got, _ := h.session.Item("x")
	if !got.Assignee.IsZero() {
		t.Fatalf("unassign lost, assignee still %s", got.Assignee.DisplayName())
	}
	_, decision, err := h.session.Prepare("x", domain.StatusInProgress)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if decision.Approved || decision.Reason != ReasonNotOwner {
		t.Fatalf("former assignee may not move an unassigned item: %+v", decision)
	}
}
