// Package genqueue projects the asset-generation and LLM-request queues into
// the "generation queue" a reconnecting client renders: batches of asset
// jobs and staging suggestion requests, each with a per-user read flag.
package genqueue

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/world"
)

// ErrInvalidRequest is returned by [Projector.MarkRead] for malformed input.
var ErrInvalidRequest = errors.New("genqueue: invalid request")

// BatchStatus summarises the items of a [Batch].
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// BatchItem is one asset job of a batch.
type BatchItem struct {
	ItemID    string          `json:"item_id"`
	EntityID  string          `json:"entity_id"`
	AssetKind queue.AssetKind `json:"asset_kind"`
	Status    queue.Status    `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Batch groups asset jobs submitted together.
type Batch struct {
	BatchID    string      `json:"batch_id"`
	UserID     string      `json:"user_id"`
	Status     BatchStatus `json:"status"`
	Total      int         `json:"total"`
	Pending    int         `json:"pending"`
	Processing int         `json:"processing"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	Items      []BatchItem `json:"items"`
	Read       bool        `json:"read"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Suggestion is the latest LLM suggestion request of a pending approval.
type Suggestion struct {
	RequestID  string       `json:"request_id"`
	RegionID   string       `json:"region_id"`
	Status     queue.Status `json:"status"`
	Error      string       `json:"error,omitempty"`
	Read       bool         `json:"read"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Snapshot is the generation queue of one world.
type Snapshot struct {
	WorldID     string       `json:"world_id"`
	Batches     []Batch      `json:"batches"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Projector builds [Snapshot]s from live queue state.
type Projector struct {
	queues *queue.Set
	world  *world.Store
}

// New returns a [Projector] reading queues and recording read markers in ws.
func New(queues *queue.Set, ws *world.Store) *Projector {
	return &Projector{queues: queues, world: ws}
}

// Snapshot returns the generation queue of worldID. When userID is set only
// that user's batches are listed and read flags reflect that user's markers;
// otherwise every batch is listed unread.
func (p *Projector) Snapshot(worldID, userID string) Snapshot {
	snap := Snapshot{
		WorldID:     worldID,
		Batches:     []Batch{},
		Suggestions: []Suggestion{},
	}

	batches := make(map[string]*Batch)
	for _, it := range p.queues.AssetGeneration.Snapshot() {
		a := it.Payload
		if a.WorldID != worldID || (userID != "" && a.UserID != userID) {
			continue
		}
		b, ok := batches[a.BatchID]
		if !ok {
			b = &Batch{BatchID: a.BatchID, UserID: a.UserID, EnqueuedAt: it.EnqueuedAt}
			batches[a.BatchID] = b
		}
		b.Items = append(b.Items, BatchItem{
			ItemID:    it.ID,
			EntityID:  a.EntityID,
			AssetKind: a.AssetKind,
			Status:    it.Status,
			Result:    it.Result,
			Error:     it.Error,
		})
		b.Total++
		switch it.Status {
		case queue.StatusPending:
			b.Pending++
		case queue.StatusProcessing:
			b.Processing++
		case queue.StatusCompleted:
			b.Completed++
		case queue.StatusFailed:
			b.Failed++
		}
		if it.EnqueuedAt.Before(b.EnqueuedAt) {
			b.EnqueuedAt = it.EnqueuedAt
		}
	}
	for _, b := range batches {
		b.Status = batchStatus(b)
		b.Read = userID != "" && p.world.IsRead(worldID, userID, b.BatchID)
		slices.SortFunc(b.Items, func(x, y BatchItem) int { return cmp.Compare(x.EntityID, y.EntityID) })
		snap.Batches = append(snap.Batches, *b)
	}
	slices.SortFunc(snap.Batches, func(x, y Batch) int {
		return cmp.Or(x.EnqueuedAt.Compare(y.EnqueuedAt), cmp.Compare(x.BatchID, y.BatchID))
	})

	// Regenerating queues a new request under the same id; keep the latest.
	type latest struct {
		gen uint64
		s   Suggestion
	}
	byRequest := make(map[string]latest)
	for _, it := range p.queues.LLMRequests.Snapshot() {
		r := it.Payload
		if r.WorldID != worldID || r.Kind != queue.LLMStagingSuggestions {
			continue
		}
		if cur, ok := byRequest[r.RequestID]; ok && cur.gen > r.Generation {
			continue
		}
		byRequest[r.RequestID] = latest{gen: r.Generation, s: Suggestion{
			RequestID:  r.RequestID,
			RegionID:   r.RegionID,
			Status:     it.Status,
			Error:      it.Error,
			EnqueuedAt: it.EnqueuedAt,
		}}
	}
	for _, l := range byRequest {
		s := l.s
		s.Read = userID != "" && p.world.IsRead(worldID, userID, s.RequestID)
		snap.Suggestions = append(snap.Suggestions, s)
	}
	slices.SortFunc(snap.Suggestions, func(x, y Suggestion) int {
		return cmp.Or(x.EnqueuedAt.Compare(y.EnqueuedAt), cmp.Compare(x.RequestID, y.RequestID))
	})
	return snap
}

func batchStatus(b *Batch) BatchStatus {
	switch {
	case b.Pending > 0 || b.Processing > 0:
		return BatchInProgress
	case b.Failed > 0:
		return BatchFailed
	default:
		return BatchCompleted
	}
}

// MarkReadRequest marks batches and suggestions as seen by a user.
type MarkReadRequest struct {
	UserID        string   `json:"user_id"`
	WorldID       string   `json:"world_id,omitempty"`
	BatchIDs      []string `json:"batch_ids"`
	SuggestionIDs []string `json:"suggestion_ids"`
}

// MarkRead records the read markers of req. Without a world id the markers
// are global and apply to every world.
func (p *Projector) MarkRead(req MarkReadRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	ids := make([]string, 0, len(req.BatchIDs)+len(req.SuggestionIDs))
	ids = append(ids, req.BatchIDs...)
	ids = append(ids, req.SuggestionIDs...)
	p.world.MarkRead(req.WorldID, req.UserID, ids...)
	return nil
}
