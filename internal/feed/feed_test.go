package feed

import (
	"testing"
	"time"

	"boardsync/internal/board"
	"boardsync/internal/domain"
)

func recv(t *testing.T, sub board.Subscription) domain.ItemEvent {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.ItemEvent{}
}

func testItem(id string, status domain.Status, assignee string) domain.Item {
	return domain.Item{ID: id, ProjectID: "p1", Status: status, Assignee: domain.AssigneeReference(assignee), Title: id}
}
