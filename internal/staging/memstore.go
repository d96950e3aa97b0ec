package staging

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/dmdesk/pkg/types"
)

// Compile-time assertion that MemRepository satisfies StagingRepository.
var _ StagingRepository = (*MemRepository)(nil)

// MemRepository is a thread-safe, in-memory [StagingRepository]. Stagings
// live for the process lifetime. The zero value is ready to use.
type MemRepository struct {
	mu       sync.RWMutex
	byID     map[string]types.Staging
	byRegion map[string][]string // region id → staging ids, oldest first
	current  map[string]string   // region id → staging id
}

// NewMemRepository returns an empty [MemRepository].
func NewMemRepository() *MemRepository {
	return &MemRepository{}
}

func (r *MemRepository) init() {
	if r.byID == nil {
		r.byID = make(map[string]types.Staging)
		r.byRegion = make(map[string][]string)
		r.current = make(map[string]string)
	}
}

// GetActive implements [StagingRepository.GetActive].
func (r *MemRepository) GetActive(_ context.Context, regionID string, now time.Time) (*types.Staging, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.current[regionID]
	if !ok {
		return nil, nil
	}
	st := cloneStaging(r.byID[id])
	if !st.IsValid(now) {
		return nil, nil
	}
	return &st, nil
}

// Save implements [StagingRepository.Save].
func (r *MemRepository) Save(_ context.Context, s types.Staging) error {
	if s.ID == "" || s.RegionID == "" {
		return fmt.Errorf("staging: save: id and region are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	if _, exists := r.byID[s.ID]; exists {
		return fmt.Errorf("staging: save: duplicate id %q", s.ID)
	}
	s.Current = false
	r.byID[s.ID] = cloneStaging(s)
	r.byRegion[s.RegionID] = append(r.byRegion[s.RegionID], s.ID)
	return nil
}

// Activate implements [StagingRepository.Activate].
func (r *MemRepository) Activate(_ context.Context, stagingID, regionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	st, ok := r.byID[stagingID]
	if !ok || st.RegionID != regionID {
		return fmt.Errorf("staging: activate %q in %q: %w", stagingID, regionID, ErrNotFound)
	}
	if prev, ok := r.current[regionID]; ok {
		p := r.byID[prev]
		p.Current = false
		r.byID[prev] = p
	}
	st.Current = true
	r.byID[stagingID] = st
	r.current[regionID] = stagingID

	// Keep activation order in history even when stagings were saved in a
	// different order.
	ids := r.byRegion[regionID]
	if i := slices.Index(ids, stagingID); i >= 0 {
		ids = append(slices.Delete(ids, i, i+1), stagingID)
		r.byRegion[regionID] = ids
	}
	return nil
}

// GetHistory implements [StagingRepository.GetHistory].
func (r *MemRepository) GetHistory(_ context.Context, regionID string, limit int) ([]types.Staging, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byRegion[regionID]
	out := make([]types.Staging, 0, min(len(ids), max(limit, 0)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneStaging(r.byID[ids[i]]))
	}
	return out, nil
}

func cloneStaging(s types.Staging) types.Staging {
	s.NPCs = slices.Clone(s.NPCs)
	return s
}
