package staging

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/dmdesk/internal/staging/suggest"
	"github.com/MrWong99/dmdesk/pkg/types"
)

var (
	// ErrNotFound is returned for unknown request ids or regions.
	ErrNotFound = errors.New("staging: not found")

	// ErrUnauthorized is returned when a non-DM actor attempts a DM-only
	// operation. No state is changed.
	ErrUnauthorized = errors.New("staging: unauthorized")

	// ErrInvalidTTL is returned when an approval or pre-stage carries a
	// non-positive TTL.
	ErrInvalidTTL = errors.New("staging: ttl_hours must be positive")

	// ErrInvalidRequest is returned for malformed requests such as a missing
	// region id.
	ErrInvalidRequest = errors.New("staging: invalid request")
)

// RelationshipLookup returns the NPCs related to a region.
type RelationshipLookup interface {
	GetNPCsWithRegionRelation(ctx context.Context, regionID string) ([]types.NPCWithRegionInfo, error)
}

// StagingRepository persists activated stagings. Activating a staging makes
// it the current one of its region; earlier stagings stay as history.
type StagingRepository interface {
	// GetActive returns the current staging of a region if it is valid at
	// now, or nil.
	GetActive(ctx context.Context, regionID string, now time.Time) (*types.Staging, error)

	// Save stores a new staging without activating it.
	Save(ctx context.Context, s types.Staging) error

	// Activate makes the staging with stagingID current for regionID.
	Activate(ctx context.Context, stagingID, regionID string) error

	// GetHistory returns up to limit stagings of a region, newest first,
	// including the current one regardless of expiry.
	GetHistory(ctx context.Context, regionID string, limit int) ([]types.Staging, error)
}

// RegionInfo carries display names for a region.
type RegionInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LocationID   string `json:"location_id,omitempty"`
	LocationName string `json:"location_name,omitempty"`
}

// RegionDirectory resolves region display names.
type RegionDirectory interface {
	Region(ctx context.Context, regionID string) (RegionInfo, error)
}

// Clock reads in-game time.
type Clock interface {
	Now() time.Time
}

// SuggestionGenerator produces LLM-based suggestions. Implementations must
// not fail; unusable output is an empty list.
type SuggestionGenerator interface {
	Suggest(ctx context.Context, in suggest.Input) []types.StagedNPC
}

// Notifier pushes staging events to connected clients. Delivery is best
// effort and must not block the caller for long.
type Notifier interface {
	// NotifyDM sends ev to every DM client of a world.
	NotifyDM(ctx context.Context, worldID string, ev Event)

	// NotifyClient sends ev to one client of a world.
	NotifyClient(ctx context.Context, worldID, clientID string, ev Event)
}
