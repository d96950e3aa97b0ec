package campaign

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/pkg/types"
)

var (
	_ staging.RelationshipLookup = (*MemStore)(nil)
	_ staging.RegionDirectory    = (*MemStore)(nil)
)

// MemStore is a thread-safe, in-memory campaign. The zero value is not
// usable; create one with [NewMemStore].
type MemStore struct {
	mu        sync.RWMutex
	regions   map[string]Region
	npcs      map[string]types.Character
	relations map[string][]types.NPCWithRegionInfo // region id → rows
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		regions:   make(map[string]Region),
		npcs:      make(map[string]types.Character),
		relations: make(map[string][]types.NPCWithRegionInfo),
	}
}

// Import adds all regions and NPCs of cf. Later imports replace regions and
// NPCs with the same id; relations of a replaced NPC are replaced too.
func (s *MemStore) Import(cf *File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range cf.Regions {
		s.regions[r.ID] = r
	}
	for _, n := range cf.NPCs {
		s.dropRelations(n.ID)
		s.npcs[n.ID] = n.Character
		for _, rel := range n.Relations {
			s.relations[rel.Region] = append(s.relations[rel.Region], types.NPCWithRegionInfo{
				Character: n.Character,
				Relation:  rel.Type,
				Shift:     rel.Shift,
				Frequency: rel.Frequency,
				TimeOfDay: rel.TimeOfDay,
			})
		}
	}
}

// dropRelations must be called with s.mu held.
func (s *MemStore) dropRelations(npcID string) {
	for region, rows := range s.relations {
		s.relations[region] = slices.DeleteFunc(rows, func(r types.NPCWithRegionInfo) bool {
			return r.Character.ID == npcID
		})
	}
}

// GetNPCsWithRegionRelation implements [staging.RelationshipLookup]. Rows are
// ordered by NPC name.
func (s *MemStore) GetNPCsWithRegionRelation(_ context.Context, regionID string) ([]types.NPCWithRegionInfo, error) {
	s.mu.RLock()
	out := slices.Clone(s.relations[regionID])
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b types.NPCWithRegionInfo) int {
		return cmp.Compare(a.Character.Name, b.Character.Name)
	})
	return out, nil
}

// Region implements [staging.RegionDirectory].
func (s *MemStore) Region(_ context.Context, regionID string) (staging.RegionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[regionID]
	if !ok {
		return staging.RegionInfo{}, fmt.Errorf("campaign: region %q: %w", regionID, staging.ErrNotFound)
	}
	return staging.RegionInfo{
		ID:           r.ID,
		Name:         r.Name,
		LocationID:   r.LocationID,
		LocationName: r.LocationName,
	}, nil
}

// Character returns the NPC with the given id.
func (s *MemStore) Character(id string) (types.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.npcs[id]
	return c, ok
}

// Regions returns all regions ordered by id.
func (s *MemStore) Regions() []Region {
	s.mu.RLock()
	out := make([]Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Region) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
