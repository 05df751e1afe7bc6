package monday

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/metrics"
	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

const errItemNotFound = "Item not found"

// Items reads and mutates individual board items: fetching an item, adding
// notes and bumping the touchpoint counter.
type Items struct {
	exec               Executor
	boardID            string
	touchpointColumnID string
	locks              keyedMutex
}

func NewItems(exec Executor, boardID, touchpointColumnID string) *Items {
	return &Items{
		exec:               exec,
		boardID:            boardID,
		touchpointColumnID: touchpointColumnID,
	}
}

// GetItem fetches an item with all its columns. It returns nil when the item
// does not exist.
func (it *Items) GetItem(ctx context.Context, itemID string) (*models.Item, error) {
	data, err := it.exec.ExecuteQuery(ctx, queryItemsByID, map[string]any{"ids": []string{itemID}})
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	items, err := decodeItems(data)
	if err != nil {
		return nil, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	item := items[0].toModel()
	return &item, nil
}

// AddNote appends an update to the item. The item is looked up first and the
// mutation is skipped when it does not exist.
func (it *Items) AddNote(ctx context.Context, itemID, text string) models.NoteResult {
	exists, err := it.exists(ctx, itemID)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("item_id", itemID).Msg("note lookup failed")
		return models.NoteResult{Error: err.Error()}
	}
	if !exists {
		logging.Ctx(ctx).Warn().Str("item_id", itemID).Msg("note skipped, item not found")
		return models.NoteResult{Error: errItemNotFound}
	}

	data, err := it.exec.ExecuteQuery(ctx, mutationCreateUpdate, map[string]any{
		"itemId": itemID,
		"body":   text,
	})
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("item_id", itemID).Msg("create update failed")
		return models.NoteResult{Error: err.Error()}
	}

	var out struct {
		CreateUpdate struct {
			ID string `json:"id"`
		} `json:"create_update"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return models.NoteResult{Error: fmt.Sprintf("decode create_update: %v", err)}
	}
	return models.NoteResult{Success: true, UpdateID: out.CreateUpdate.ID}
}

// IncrementTouchpoints writes current+1 to the touchpoint column. When
// current is nil the value is read from the item first (unparsable or
// missing counts as 0).
//
// Calls for the same item are serialized within this process. The
// read-then-write is still not atomic against Monday.com itself, so another
// writer can interleave and an increment can be lost.
func (it *Items) IncrementTouchpoints(ctx context.Context, itemID string, current *int) models.TouchpointResult {
	unlock := it.locks.lock(itemID)
	defer unlock()

	var base int
	if current != nil {
		base = *current
	} else {
		v, found, err := it.readTouchpoints(ctx, itemID)
		if err != nil {
			metrics.TouchpointUpdates.WithLabelValues("failed").Inc()
			return models.TouchpointResult{Error: err.Error()}
		}
		if !found {
			metrics.TouchpointUpdates.WithLabelValues("not_found").Inc()
			return models.TouchpointResult{Error: errItemNotFound}
		}
		base = v
	}

	next := base + 1
	_, err := it.exec.ExecuteQuery(ctx, mutationChangeSimpleValue, map[string]any{
		"boardId":  it.boardID,
		"itemId":   itemID,
		"columnId": it.touchpointColumnID,
		"value":    strconv.Itoa(next),
	})
	if err != nil {
		metrics.TouchpointUpdates.WithLabelValues("failed").Inc()
		logging.Ctx(ctx).Error().Err(err).Str("item_id", itemID).Msg("touchpoint update failed")
		return models.TouchpointResult{PreviousValue: base, Error: err.Error()}
	}

	metrics.TouchpointUpdates.WithLabelValues("ok").Inc()
	return models.TouchpointResult{Success: true, PreviousValue: base, NewValue: next}
}

func (it *Items) exists(ctx context.Context, itemID string) (bool, error) {
	data, err := it.exec.ExecuteQuery(ctx, queryItemExists, map[string]any{"ids": []string{itemID}})
	if err != nil {
		return false, fmt.Errorf("look up item %s: %w", itemID, err)
	}
	items, err := decodeItems(data)
	if err != nil {
		return false, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return len(items) > 0, nil
}

func (it *Items) readTouchpoints(ctx context.Context, itemID string) (int, bool, error) {
	data, err := it.exec.ExecuteQuery(ctx, queryItemColumn, map[string]any{
		"ids":       []string{itemID},
		"columnIds": []string{it.touchpointColumnID},
	})
	if err != nil {
		return 0, false, fmt.Errorf("read touchpoints for %s: %w", itemID, err)
	}
	items, err := decodeItems(data)
	if err != nil {
		return 0, false, fmt.Errorf("decode touchpoints for %s: %w", itemID, err)
	}
	if len(items) == 0 {
		return 0, false, nil
	}
	for _, c := range items[0].ColumnValues {
		if c.ID == it.touchpointColumnID && c.Text != nil {
			return parseCount(*c.Text), true, nil
		}
	}
	return 0, true, nil
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
