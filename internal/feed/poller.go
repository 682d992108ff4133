package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"boardsync/internal/board"
	"boardsync/internal/domain"
	"boardsync/internal/events"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollBatch    = 100
)

// EventSource reads the append-only event log.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, afterID int64, projectID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context, projectID string) (int64, error)
}

// Poller turns the event log into a push stream by following a cursor.
type Poller struct {
	Source   EventSource
	Interval time.Duration
	Batch    int
	Logger   *log.Logger
}

func (p *Poller) Subscribe(ctx context.Context, projectID string) (board.Subscription, error) {
	cursor, err := p.Source.LatestEventID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("init cursor: %w", err)
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	batch := p.Batch
	if batch <= 0 {
		batch = DefaultPollBatch
	}
	sub := &pollSub{
		out:  make(chan domain.ItemEvent, defaultBuffer),
		done: make(chan struct{}),
	}
	go p.run(ctx, sub, projectID, cursor, interval, batch)
	return sub, nil
}

func (p *Poller) run(ctx context.Context, sub *pollSub, projectID string, cursor int64, interval time.Duration, batch int) {
	defer close(sub.out)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		next, full, ok := p.poll(ctx, sub, projectID, cursor, batch)
		if !ok {
			return
		}
		cursor = next
		if full {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-ticker.C:
		}
	}
}

// poll delivers one batch and returns the new cursor. full reports that the
// batch was filled, so more rows may be waiting.
func (p *Poller) poll(ctx context.Context, sub *pollSub, projectID string, cursor int64, batch int) (int64, bool, bool) {
	entries, err := p.Source.EventsAfter(ctx, batch, cursor, projectID)
	if err != nil {
		if ctx.Err() != nil {
			return cursor, false, false
		}
		p.logf("feed: fetch events failed: %v", err)
		return cursor, false, true
	}
	for _, entry := range entries {
		evt, ok, err := ItemEventFromLog(entry)
		if err != nil {
			p.logf("feed: skip event %d: %v", entry.ID, err)
		}
		if ok {
			select {
			case sub.out <- evt:
			case <-ctx.Done():
				return cursor, false, false
			case <-sub.done:
				return cursor, false, false
			}
		}
		cursor = entry.ID
	}
	return cursor, len(entries) == batch, true
}

func (p *Poller) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type pollSub struct {
	out  chan domain.ItemEvent
	done chan struct{}
	once sync.Once
}

func (s *pollSub) Events() <-chan domain.ItemEvent { return s.out }

func (s *pollSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// ItemEventFromLog converts an item.* log row into a push event. ok is
// false for rows that do not describe an item mutation.
func ItemEventFromLog(entry domain.Event) (domain.ItemEvent, bool, error) {
	if entry.EntityKind != events.EntityItem || !events.IsItemType(entry.Type) {
		return domain.ItemEvent{}, false, nil
	}
	evt := domain.ItemEvent{ProjectID: entry.ProjectID, ItemID: entry.EntityID}
	switch entry.Type {
	case events.TypeItemCreated:
		evt.Kind = domain.EventCreate
	case events.TypeItemUpdated, events.TypeItemMoved:
		evt.Kind = domain.EventUpdate
	case events.TypeItemDeleted:
		evt.Kind = domain.EventDelete
		return evt, true, nil
	}
	var it domain.Item
	if err := json.Unmarshal([]byte(entry.Payload), &it); err != nil {
		return domain.ItemEvent{}, false, fmt.Errorf("decode item payload: %w", err)
	}
	if it.ID == "" {
		it.ID = entry.EntityID
	}
	if it.ProjectID == "" {
		it.ProjectID = entry.ProjectID
	}
	evt.Item = &it
	return evt, true, nil
}
