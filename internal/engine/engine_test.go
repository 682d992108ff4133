package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"boardsync/internal/config"
	"boardsync/internal/db"
	"boardsync/internal/domain"
	"boardsync/internal/engine"
	"boardsync/internal/engine/auth"
	"boardsync/internal/events"
	"boardsync/internal/migrate"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ItemEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, evt domain.ItemEvent) error {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) last() domain.ItemEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Published *recordingPublisher
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	pub := &recordingPublisher{}
	eng.Publisher = pub
	if _, err := eng.InitProject(ctx, "proj-1", "Project One", "", "lead"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	for _, m := range []engine.MemberOptions{
		{ProjectID: "proj-1", ActorID: "alice", Name: "Alice", Role: "member", By: "lead"},
		{ProjectID: "proj-1", ActorID: "bob", Name: "Bob", Role: "member", By: "lead"},
	} {
		if _, err := eng.UpsertMember(ctx, m); err != nil {
			t.Fatalf("upsert member %s: %v", m.ActorID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Published: pub}
}

func (env testEnv) createItem(t *testing.T, title, assignee string) domain.Item {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ProjectID:  "proj-1",
		Title:      title,
		AssigneeID: assignee,
		ActorID:    "lead",
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

func TestCreateItemDefaults(t *testing.T) {
	env := newTestEnv(t)
	first := env.createItem(t, "First", "alice")
	second := env.createItem(t, "Second", "")
	if first.Status != domain.StatusBacklog || first.Rank != 0 {
		t.Fatalf("unexpected defaults %+v", first)
	}
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("sequences %d %d", first.Sequence, second.Sequence)
	}
	p, ok := first.Assignee.Profile()
	if !ok || p.Name != "Alice" {
		t.Fatalf("expected embedded member profile, got %+v", first.Assignee)
	}
	if !second.Assignee.IsZero() {
		t.Fatalf("expected unassigned")
	}
	evt := env.Published.last()
	if evt.Kind != domain.EventCreate || evt.TargetID() != second.ID {
		t.Fatalf("unexpected published event %+v", evt)
	}

	_, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: "x", AssigneeID: "ghost", ActorID: "lead"})
	if err == nil {
		t.Fatalf("expected error for non-member assignee")
	}
	_, err = env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: "x", ActorID: "stranger"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-member, got %v", err)
	}
}

func TestMoveItemEnforcesTransitions(t *testing.T) {
	env := newTestEnv(t)
	it := env.createItem(t, "Ship", "alice")

	_, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: it.ID, Status: domain.StatusInProgress, ActorID: "bob"})
	if !errors.Is(err, engine.ErrTransitionRejected) {
		t.Fatalf("expected rejection for non-owner, got %v", err)
	}

	moved, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: it.ID, Status: domain.StatusInProgress, ActorID: "alice"})
	if err != nil || moved.Status != domain.StatusInProgress {
		t.Fatalf("owner move: %v", err)
	}
	moved, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: it.ID, Status: domain.StatusReview, ActorID: "alice"})
	if err != nil {
		t.Fatalf("to review: %v", err)
	}
	_, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: it.ID, Status: domain.StatusCompleted, ActorID: "alice"})
	var te engine.TransitionError
	if !errors.As(err, &te) || te.Decision.Reason != "leader_only" {
		t.Fatalf("expected leader_only rejection, got %v", err)
	}
	done, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: it.ID, Status: domain.StatusCompleted, ActorID: "lead"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedBy == nil || *done.CompletedBy != "lead" {
		t.Fatalf("expected completed_by lead, got %v", done.CompletedBy)
	}
	if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: it.ID, Status: domain.StatusReview, ActorID: "lead"}); !errors.Is(err, engine.ErrTransitionRejected) {
		t.Fatalf("completed must be terminal, got %v", err)
	}
}

func TestMoveItemRank(t *testing.T) {
	env := newTestEnv(t)
	a := env.createItem(t, "a", "alice")
	b := env.createItem(t, "b", "alice")
	if _, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: a.ID, Status: domain.StatusInProgress, ActorID: "alice"}); err != nil {
		t.Fatal(err)
	}
	moved, err := env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: b.ID, Status: domain.StatusInProgress, ActorID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if moved.Rank != 1 {
		t.Fatalf("server-computed rank = %d, want 1", moved.Rank)
	}
	explicit := 7
	c := env.createItem(t, "c", "alice")
	moved, err = env.Engine.MoveItem(env.Ctx, engine.MoveOptions{ID: c.ID, Status: domain.StatusInProgress, Rank: &explicit, ActorID: "alice"})
	if err != nil || moved.Rank != 7 {
		t.Fatalf("explicit rank: %v %d", err, moved.Rank)
	}
}

func TestMutationsAreLogged(t *testing.T) {
	env := newTestEnv(t)
	it := env.createItem(t, "log me", "alice")
	title := "renamed"
	unassign := ""
	updated, err := env.Engine.UpdateItem(env.Ctx, engine.ItemUpdateOptions{ID: it.ID, Title: &title, AssigneeID: &unassign, ActorID: "bob"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "renamed" || !updated.Assignee.IsZero() {
		t.Fatalf("unexpected update %+v", updated)
	}
	if err := env.Engine.DeleteItem(env.Ctx, it.ID, "bob"); err == nil {
		t.Fatalf("members must not delete items")
	}
	if err := env.Engine.DeleteItem(env.Ctx, it.ID, "lead"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if evt := env.Published.last(); evt.Kind != domain.EventDelete || evt.ItemID != it.ID {
		t.Fatalf("unexpected delete event %+v", evt)
	}

	logged, err := env.Engine.EventLog(env.Ctx, "proj-1", 0, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var itemTypes []string
	for _, e := range logged {
		if e.EntityKind == events.EntityItem {
			itemTypes = append(itemTypes, e.Type)
		}
	}
	want := []string{events.TypeItemCreated, events.TypeItemUpdated, events.TypeItemDeleted}
	if len(itemTypes) != len(want) {
		t.Fatalf("item events %v, want %v", itemTypes, want)
	}
	for i := range want {
		if itemTypes[i] != want[i] {
			t.Fatalf("item events %v, want %v", itemTypes, want)
		}
	}
}

func TestOnlyLeadersManageMembers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpsertMember(env.Ctx, engine.MemberOptions{ProjectID: "proj-1", ActorID: "carol", By: "alice"})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Action != auth.ActionManageMembers {
		t.Fatalf("expected forbidden, got %v", err)
	}
	m, err := env.Engine.UpsertMember(env.Ctx, engine.MemberOptions{ProjectID: "proj-1", ActorID: "carol", Name: "Carol", Role: "leader", By: "lead"})
	if err != nil || m.Role != domain.RoleLeader {
		t.Fatalf("upsert carol: %v %+v", err, m)
	}
	members, err := env.Engine.ListMembers(env.Ctx, "proj-1")
	if err != nil || len(members) != 4 {
		t.Fatalf("expected 4 members, got %d (%v)", len(members), err)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "proj-1", "alice", "laptop")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
	if err != nil || stored.ActorID != "alice" {
		t.Fatalf("lookup key: %v %+v", err, stored)
	}
	if secret == "" || key.KeyHash == secret {
		t.Fatalf("secret must not be stored in clear")
	}
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "proj-1", "ghost", ""); err == nil {
		t.Fatalf("expected error for non-member")
	}
}
