package queue

// Scope identifies the world and session a queued payload belongs to. It is
// used by [Set.Report] for per-world and per-session breakdowns.
type Scope struct {
	WorldID   string
	SessionID string
}

// Scoped is implemented by every payload type carried by a [Set].
type Scoped interface {
	QueueScope() Scope
}

// ActionKind discriminates [PlayerAction] payloads.
type ActionKind string

const (
	// ActionEnterRegion is sent when a player character moves into a region.
	ActionEnterRegion ActionKind = "enter_region"

	// ActionRequestResolution re-requests the staging of the current region,
	// for example after the DM rejected a proposal.
	ActionRequestResolution ActionKind = "request_resolution"
)

// PlayerAction is a player-originated request that needs server-side work.
type PlayerAction struct {
	Kind       ActionKind `json:"kind"`
	WorldID    string     `json:"world_id"`
	SessionID  string     `json:"session_id,omitempty"`
	UserID     string     `json:"user_id"`
	ClientID   string     `json:"client_id"`
	PCID       string     `json:"pc_id"`
	PCName     string     `json:"pc_name"`
	RegionID   string     `json:"region_id"`
	LocationID string     `json:"location_id,omitempty"`
}

func (p PlayerAction) QueueScope() Scope { return Scope{p.WorldID, p.SessionID} }

// LLMRequestKind discriminates [LLMRequest] payloads.
type LLMRequestKind string

const (
	// LLMStagingSuggestions asks for LLM-based NPC presence suggestions for a
	// pending staging approval.
	LLMStagingSuggestions LLMRequestKind = "staging_suggestions"
)

// LLMRequest is a unit of LLM work. Generation ties the request to the
// pending approval revision it was issued for; results for an older
// generation are discarded.
type LLMRequest struct {
	Kind       LLMRequestKind `json:"kind"`
	WorldID    string         `json:"world_id"`
	SessionID  string         `json:"session_id,omitempty"`
	RequestID  string         `json:"request_id"`
	RegionID   string         `json:"region_id"`
	Guidance   string         `json:"guidance,omitempty"`
	Generation uint64         `json:"generation"`
}

func (r LLMRequest) QueueScope() Scope { return Scope{r.WorldID, r.SessionID} }

// ApprovalKind discriminates [DMApproval] payloads.
type ApprovalKind string

const (
	ApprovalStaging ApprovalKind = "staging_approval"
)

// DMApproval is a decision the DM has to make. The item stays Pending until
// the DM acts and is then completed with the outcome as its result.
type DMApproval struct {
	Kind      ApprovalKind `json:"kind"`
	WorldID   string       `json:"world_id"`
	SessionID string       `json:"session_id,omitempty"`
	RequestID string       `json:"request_id"`
	RegionID  string       `json:"region_id"`
}

func (a DMApproval) QueueScope() Scope { return Scope{a.WorldID, a.SessionID} }

// AssetKind is the kind of image an [AssetGeneration] job produces.
type AssetKind string

const (
	AssetSprite   AssetKind = "sprite"
	AssetPortrait AssetKind = "portrait"
)

// AssetGeneration is an image-generation job. Jobs sharing a BatchID are
// reported together in the generation queue snapshot.
type AssetGeneration struct {
	WorldID   string    `json:"world_id"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id"`
	BatchID   string    `json:"batch_id"`
	EntityID  string    `json:"entity_id"`
	AssetKind AssetKind `json:"asset_kind"`
	Prompt    string    `json:"prompt"`
}

func (a AssetGeneration) QueueScope() Scope { return Scope{a.WorldID, a.SessionID} }
