package board

import (
	"reflect"
	"testing"

	"boardsync/internal/domain"
)

func TestResolveAssignee(t *testing.T) {
	got := ResolveAssignee(domain.AssigneeReference("u1"), testProfiles)
	p, ok := got.Profile()
	if !ok || p.Name != "Alice" || p.ID != "u1" {
		t.Fatalf("expected Alice, got %+v", got)
	}

	unknown := ResolveAssignee(domain.AssigneeReference("u9"), testProfiles)
	if unknown.Kind() != domain.AssigneeRef || unknown.ID() != "u9" {
		t.Fatalf("unresolvable reference should stay a reference, got %+v", unknown)
	}

	nameless := ResolveAssignee(domain.AssigneeProfile(domain.Profile{ID: "u2"}), testProfiles)
	if nameless.DisplayName() != "Bob" {
		t.Fatalf("nameless profile should re-resolve, got %q", nameless.DisplayName())
	}

	if got := ResolveAssignee(domain.Unassigned(), testProfiles); !got.IsZero() {
		t.Fatalf("unassigned should stay unassigned")
	}
	if got := ResolveAssignee(domain.AssigneeReference("u1"), nil); got.Kind() != domain.AssigneeRef {
		t.Fatalf("nil lookup should leave the reference alone")
	}
}

func TestDedupeIdempotent(t *testing.T) {
	in := []domain.Item{
		item("a", domain.StatusBacklog, ""),
		item("b", domain.StatusBacklog, ""),
		item("a", domain.StatusReview, ""),
		item("c", domain.StatusBacklog, ""),
		item("b", domain.StatusBlocked, ""),
	}
	once := Dedupe(append([]domain.Item(nil), in...))
	twice := Dedupe(append([]domain.Item(nil), once...))
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("dedupe not idempotent:\n%+v\n%+v", once, twice)
	}
	if len(once) != 3 {
		t.Fatalf("expected 3 items, got %d", len(once))
	}
	if once[0].ID != "a" || once[0].Status != domain.StatusReview {
		t.Fatalf("expected last value at first position, got %+v", once[0])
	}
	if once[1].Status != domain.StatusBlocked {
		t.Fatalf("expected b updated to blocked, got %s", once[1].Status)
	}
}

func TestStoreUpsertResolvesAndDedupes(t *testing.T) {
	s := NewStore(testProfiles, nil)
	s.load([]domain.Item{item("a", domain.StatusBacklog, "u1"), item("a", domain.StatusBacklog, "u1")})
	s.upsert(item("a", domain.StatusInProgress, "u1"), SourceRemote)
	s.upsert(item("a", domain.StatusInProgress, "u1"), SourceRemote)

	if s.Len() != 1 {
		t.Fatalf("expected a single item, got %d", s.Len())
	}
	got, _ := s.Get("a")
	if got.Assignee.DisplayName() != "Alice" {
		t.Fatalf("expected resolved assignee, got %q", got.Assignee.DisplayName())
	}
}

func TestStoreKeepsResolvedAssignee(t *testing.T) {
	s := NewStore(nil, nil)
	first := item("a", domain.StatusBacklog, "")
	first.Assignee = domain.AssigneeProfile(domain.Profile{ID: "u1", Name: "Alice"})
	s.load([]domain.Item{first})

	cases := []struct {
		name     string
		source   ChangeSource
		incoming domain.Assignee
		wantName string
		wantID   string
	}{
		{name: "bare reference to same person", source: SourceRemote, incoming: domain.AssigneeReference("u1"), wantName: "Alice", wantID: "u1"},
		{name: "omitted by write result", source: SourceConfirmed, incoming: domain.Unassigned(), wantName: "Alice", wantID: "u1"},
		{name: "unassigned on feed", source: SourceRemote, incoming: domain.Unassigned(), wantName: "", wantID: ""},
		{name: "unassigned on refetch", source: SourceFetch, incoming: domain.Unassigned(), wantName: "", wantID: ""},
		{name: "nameless profile", source: SourceRemote, incoming: domain.AssigneeProfile(domain.Profile{ID: "u1"}), wantName: "Alice", wantID: "u1"},
		{name: "reassigned", source: SourceRemote, incoming: domain.AssigneeReference("u2"), wantName: "u2", wantID: "u2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s.upsert(first, SourceRemote)
			next := item("a", domain.StatusInProgress, "")
			next.Assignee = tc.incoming
			if tc.source == SourceFetch {
				s.load([]domain.Item{next})
			} else {
				s.upsert(next, tc.source)
			}
			got, _ := s.Get("a")
			if got.Assignee.ID() != tc.wantID || got.Assignee.DisplayName() != tc.wantName {
				t.Fatalf("assignee = %s/%s, want %s/%s", got.Assignee.ID(), got.Assignee.DisplayName(), tc.wantID, tc.wantName)
			}
			if got.Status != domain.StatusInProgress {
				t.Fatalf("other fields should follow the incoming record")
			}
		})
	}
}

func TestStoreFilterReappliedOnEveryWrite(t *testing.T) {
	onlyReview := func(it domain.Item) bool { return it.Status == domain.StatusReview }
	s := NewStore(nil, onlyReview)
	s.load([]domain.Item{
		item("a", domain.StatusBacklog, ""),
		item("b", domain.StatusReview, ""),
		item("c", domain.StatusInProgress, ""),
	})
	if got := s.Visible(); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected visible %+v", got)
	}

	s.upsert(item("c", domain.StatusReview, ""), SourceRemote)
	if got := s.Visible(); len(got) != 2 {
		t.Fatalf("expected c to become visible, got %d items", len(got))
	}
	s.remove("b")
	if got := s.Visible(); len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("unexpected visible after delete %+v", got)
	}
	if got := s.CountInColumn(domain.StatusBacklog); got != 1 {
		t.Fatalf("count must ignore the display filter, got %d", got)
	}

	s.SetFilter(nil)
	if got := s.Visible(); len(got) != 2 {
		t.Fatalf("expected all items visible, got %d", len(got))
	}
}

func TestStoreRestoreOnlyWhenPresent(t *testing.T) {
	s := NewStore(nil, nil)
	s.load([]domain.Item{item("a", domain.StatusBacklog, "")})
	s.remove("a")
	if s.restore(item("a", domain.StatusBacklog, "")) {
		t.Fatalf("restore should not resurrect a deleted item")
	}
	if s.replace(item("a", domain.StatusInProgress, ""), SourceConfirmed) {
		t.Fatalf("replace should not resurrect a deleted item")
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestStoreColumnOrdersByRank(t *testing.T) {
	s := NewStore(nil, nil)
	a := item("a", domain.StatusReview, "")
	a.Rank = 2
	b := item("b", domain.StatusReview, "")
	b.Rank = 0
	c := item("c", domain.StatusReview, "")
	c.Rank = 1
	s.load([]domain.Item{a, b, c, item("d", domain.StatusBacklog, "")})
	col := s.Column(domain.StatusReview)
	if len(col) != 3 || col[0].ID != "b" || col[1].ID != "c" || col[2].ID != "a" {
		t.Fatalf("unexpected column order %+v", col)
	}
}

func TestEchoSuppressorConsumesOnce(t *testing.T) {
	e := NewEchoSuppressor()
	e.Register("z")
	if !e.Consume("z") {
		t.Fatalf("expected first consume to hit")
	}
	if e.Consume("z") {
		t.Fatalf("expected second consume to miss")
	}
	e.Register("y")
	e.Release("y")
	if e.Pending("y") || e.Len() != 0 {
		t.Fatalf("release should clear the entry")
	}
}
