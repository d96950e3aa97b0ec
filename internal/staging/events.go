package staging

import "github.com/MrWong99/dmdesk/pkg/types"

// EventType discriminates [Event] payloads.
type EventType string

const (
	// EventApprovalRequired tells the DM a new pending approval exists.
	EventApprovalRequired EventType = "staging_approval_required"

	// EventApprovalUpdated tells the DM that a pending approval changed, for
	// example when LLM suggestions arrived or a PC joined.
	EventApprovalUpdated EventType = "staging_approval_updated"

	// EventStagingActivated tells the DM a staging became current.
	EventStagingActivated EventType = "staging_activated"

	// EventStagingReady releases a waiting PC with the visible NPCs.
	EventStagingReady EventType = "staging_ready"

	// EventStagingRejected tells a waiting PC the DM discarded the proposal
	// and the region must be requested again.
	EventStagingRejected EventType = "staging_rejected"

	// EventStagingPending tells a PC it is waiting on the DM.
	EventStagingPending EventType = "staging_pending"
)

// Event is a push message produced by the staging service. Only the fields
// relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	WorldID   string    `json:"world_id"`
	RegionID  string    `json:"region_id"`
	RequestID string    `json:"request_id,omitempty"`
	PCID      string    `json:"pc_id,omitempty"`

	// NPCs is the player-visible NPC list of a ready region.
	NPCs []types.StagedNPC `json:"npcs,omitempty"`

	// Approval is the DM view of a pending approval.
	Approval *types.PendingStagingApproval `json:"approval,omitempty"`

	// Staging is the DM view of an activated staging.
	Staging *types.Staging `json:"staging,omitempty"`
}
