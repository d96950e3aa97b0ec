// Package world holds the per-world, process-lifetime state shared by every
// connection of a world session: pending staging approvals keyed by region
// (with the player characters waiting on them), DM directorial notes, the game
// clock and per-user read markers.
//
// Each world owns its own lock. Every method takes it for a short, non-blocking
// critical section; callers must never perform I/O inside
// [Store.WithPendingStagingForRegionMut] callbacks.
package world

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/dmdesk/pkg/types"
)

// GlobalKey is the world id used for read markers recorded without a world.
const GlobalKey = "__global__"

// ErrNoPending is returned by [Store.AddWaitingPC] when the region has no
// pending staging approval to wait on.
var ErrNoPending = errors.New("world: no pending staging for region")

// Store maps world ids to their state. The zero value is not usable; create
// one with [NewStore].
type Store struct {
	mu     sync.Mutex
	worlds map[string]*worldState
	epoch  func() time.Time

	// global holds read markers recorded without a world. It is not a world
	// and never appears in [Store.Worlds].
	global *worldState
}

type worldState struct {
	mu       sync.Mutex
	pending  map[string]*types.PendingStagingApproval // region id → approval
	notes    string
	gameTime time.Time
	read     map[string]map[string]struct{} // user id → seen ids
}

// Option configures a [Store].
type Option func(*Store)

// WithEpoch sets the function providing the initial game time of a newly
// created world. Defaults to the wall clock.
func WithEpoch(fn func() time.Time) Option {
	return func(s *Store) { s.epoch = fn }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		worlds: make(map[string]*worldState),
		epoch:  func() time.Time { return time.Now().UTC() },
		global: &worldState{read: make(map[string]map[string]struct{})},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// world returns the state for id, creating it on first access.
func (s *Store) world(id string) *worldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[id]
	if !ok {
		w = &worldState{
			pending:  make(map[string]*types.PendingStagingApproval),
			gameTime: s.epoch(),
			read:     make(map[string]map[string]struct{}),
		}
		s.worlds[id] = w
	}
	return w
}

// lookup returns the state for id, or nil when the world was never written.
// Reads go through lookup so that querying an unknown world leaves no trace.
func (s *Store) lookup(id string) *worldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worlds[id]
}

// EndWorld discards all state of a world. Pending approvals are dropped
// without notifying anyone.
func (s *Store) EndWorld(worldID string) {
	s.mu.Lock()
	delete(s.worlds, worldID)
	s.mu.Unlock()
}

// Worlds returns the ids of all live worlds in sorted order.
func (s *Store) Worlds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.worlds))
	for id := range s.worlds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// GetPendingStagingForRegion returns a copy of the pending approval of a
// region.
func (s *Store) GetPendingStagingForRegion(worldID, regionID string) (*types.PendingStagingApproval, bool) {
	w := s.lookup(worldID)
	if w == nil {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[regionID]
	return p.Clone(), ok
}

// GetPendingStagingByRequestID returns a copy of the pending approval with the
// given request id.
func (s *Store) GetPendingStagingByRequestID(worldID, requestID string) (*types.PendingStagingApproval, bool) {
	w := s.lookup(worldID)
	if w == nil {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.byRequestID(requestID)
	return p.Clone(), p != nil
}

// ListPendingStagings returns copies of all pending approvals of a world,
// oldest first.
func (s *Store) ListPendingStagings(worldID string) []*types.PendingStagingApproval {
	w := s.lookup(worldID)
	if w == nil {
		return []*types.PendingStagingApproval{}
	}
	w.mu.Lock()
	out := make([]*types.PendingStagingApproval, 0, len(w.pending))
	for _, p := range w.pending {
		out = append(out, p.Clone())
	}
	w.mu.Unlock()

	slices.SortFunc(out, func(a, b *types.PendingStagingApproval) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RegionID, b.RegionID)
	})
	return out
}

// AddPendingStaging stores approval for its region, replacing any approval
// that is already pending there. Replacement is logged; callers that must not
// lose an existing approval use [Store.InsertPendingStagingIfAbsent].
func (s *Store) AddPendingStaging(worldID string, approval *types.PendingStagingApproval) {
	w := s.world(worldID)
	w.mu.Lock()
	prev, existed := w.pending[approval.RegionID]
	w.pending[approval.RegionID] = approval.Clone()
	w.mu.Unlock()

	if existed {
		slog.Warn("world: pending staging overwritten",
			"world_id", worldID,
			"region_id", approval.RegionID,
			"previous_request_id", prev.RequestID,
			"request_id", approval.RequestID,
		)
	}
}

// InsertPendingStagingIfAbsent stores approval unless its region already has
// a pending approval. When one exists, the waiting PCs of approval join the
// existing approval instead (deduplicated by PC id) and the existing approval
// is returned with inserted == false. The check and the insert or join happen
// under one lock.
func (s *Store) InsertPendingStagingIfAbsent(worldID string, approval *types.PendingStagingApproval) (current *types.PendingStagingApproval, inserted bool) {
	w := s.world(worldID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.pending[approval.RegionID]; ok {
		for _, pc := range approval.WaitingPCs {
			if !existing.HasWaitingPC(pc.PCID) {
				existing.WaitingPCs = append(existing.WaitingPCs, pc)
			}
		}
		return existing.Clone(), false
	}
	stored := approval.Clone()
	w.pending[approval.RegionID] = stored
	return stored.Clone(), true
}

// RemovePendingStaging removes the approval with the given request id and
// returns it, including its waiting PCs.
func (s *Store) RemovePendingStaging(worldID, requestID string) (*types.PendingStagingApproval, bool) {
	w := s.lookup(worldID)
	if w == nil {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.byRequestID(requestID)
	if p == nil {
		return nil, false
	}
	delete(w.pending, p.RegionID)
	return p, true
}

// AddWaitingPC records pc as waiting on the pending approval of a region. A PC
// already waiting there is not added twice; added reports whether the list
// changed.
func (s *Store) AddWaitingPC(worldID, regionID string, pc types.WaitingPC) (added bool, err error) {
	w := s.lookup(worldID)
	if w == nil {
		return false, ErrNoPending
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[regionID]
	if !ok {
		return false, ErrNoPending
	}
	if p.HasWaitingPC(pc.PCID) {
		return false, nil
	}
	p.WaitingPCs = append(p.WaitingPCs, pc)
	return true, nil
}

// WithPendingStagingForRegionMut runs fn on the pending approval of a region
// while holding the world lock and reports whether an approval existed. fn
// must not block or retain the pointer.
func (s *Store) WithPendingStagingForRegionMut(worldID, regionID string, fn func(*types.PendingStagingApproval)) bool {
	w := s.lookup(worldID)
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[regionID]
	if !ok {
		return false
	}
	fn(p)
	// The region key is the map key; fn may not move the approval.
	p.RegionID = regionID
	return true
}

// SetDirectorialNotes replaces the DM's free-text notes for a world.
func (s *Store) SetDirectorialNotes(worldID, notes string) {
	w := s.world(worldID)
	w.mu.Lock()
	w.notes = notes
	w.mu.Unlock()
}

// DirectorialNotes returns the DM's free-text notes for a world.
func (s *Store) DirectorialNotes(worldID string) string {
	w := s.lookup(worldID)
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.notes
}

// GameTime returns the current in-game time of a world. A world that was
// never written reads as the epoch.
func (s *Store) GameTime(worldID string) time.Time {
	w := s.lookup(worldID)
	if w == nil {
		return s.epoch()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gameTime
}

// SetGameTime sets the in-game time of a world.
func (s *Store) SetGameTime(worldID string, t time.Time) {
	w := s.world(worldID)
	w.mu.Lock()
	w.gameTime = t
	w.mu.Unlock()
}

// AdvanceGameTime moves the in-game time of a world forward by d and returns
// the new time. Negative durations are ignored.
func (s *Store) AdvanceGameTime(worldID string, d time.Duration) time.Time {
	w := s.world(worldID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.gameTime = w.gameTime.Add(d)
	}
	return w.gameTime
}

// MarkRead records ids as seen by userID in a world. An empty world id is
// recorded under [GlobalKey].
func (s *Store) MarkRead(worldID, userID string, ids ...string) {
	w := s.global
	if !isGlobal(worldID) {
		w = s.world(worldID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	seen, ok := w.read[userID]
	if !ok {
		seen = make(map[string]struct{}, len(ids))
		w.read[userID] = seen
	}
	for _, id := range ids {
		seen[id] = struct{}{}
	}
}

// IsRead reports whether userID has marked id as seen in a world. Markers
// recorded under [GlobalKey] count for every world.
func (s *Store) IsRead(worldID, userID, id string) bool {
	if !isGlobal(worldID) && s.lookup(worldID).hasRead(userID, id) {
		return true
	}
	return s.global.hasRead(userID, id)
}

// Clock returns a clock reading the game time of one world.
func (s *Store) Clock(worldID string) Clock {
	return Clock{store: s, worldID: worldID}
}

// Clock reads the in-game time of a single world.
type Clock struct {
	store   *Store
	worldID string
}

// Now returns the world's current game time.
func (c Clock) Now() time.Time { return c.store.GameTime(c.worldID) }

// byRequestID must be called with w.mu held.
func (w *worldState) byRequestID(requestID string) *types.PendingStagingApproval {
	for _, p := range w.pending {
		if p.RequestID == requestID {
			return p
		}
	}
	return nil
}

// hasRead is safe on a nil state.
func (w *worldState) hasRead(userID, id string) bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.read[userID][id]
	return ok
}

func isGlobal(worldID string) bool {
	return worldID == "" || worldID == GlobalKey
}
