// Package types defines the shared types used across dmdesk packages.
//
// These types are the lingua franca between the world state store, the
// suggestion generator, the staging service and the storage adapters. Each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import (
	"slices"
	"time"
)

// Character is the minimal NPC identity carried through staging.
type Character struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	SpriteAsset   string `json:"sprite_asset,omitempty" yaml:"sprite_asset"`
	PortraitAsset string `json:"portrait_asset,omitempty" yaml:"portrait_asset"`
}

// RegionRelation is the qualitative relation of an NPC to a region.
type RegionRelation string

const (
	RelationHome      RegionRelation = "home"
	RelationWorksAt   RegionRelation = "works_at"
	RelationFrequents RegionRelation = "frequents"
	RelationAvoids    RegionRelation = "avoids"
)

// IsValid reports whether r is a known relation.
func (r RegionRelation) IsValid() bool {
	switch r {
	case RelationHome, RelationWorksAt, RelationFrequents, RelationAvoids:
		return true
	}
	return false
}

// Shift is the working shift of a [RelationWorksAt] relation. The zero value
// means no specific shift.
type Shift string

const (
	ShiftNone  Shift = ""
	ShiftDay   Shift = "day"
	ShiftNight Shift = "night"
)

// NPCWithRegionInfo is one row of the relationship lookup for a region.
type NPCWithRegionInfo struct {
	Character Character      `json:"character"`
	Relation  RegionRelation `json:"relation"`
	Shift     Shift          `json:"shift,omitempty"`

	// Frequency is a free-text description such as "often" or "weekly".
	Frequency string `json:"frequency,omitempty"`

	// TimeOfDay is a free-text description such as "evenings".
	TimeOfDay string `json:"time_of_day,omitempty"`
}

// StagedNPC is an NPC entry of a staging or a staging proposal.
type StagedNPC struct {
	CharacterID   string `json:"character_id"`
	Name          string `json:"name"`
	SpriteAsset   string `json:"sprite_asset,omitempty"`
	PortraitAsset string `json:"portrait_asset,omitempty"`
	IsPresent     bool   `json:"is_present"`

	// IsHiddenFromPlayers keeps a present NPC out of player-facing
	// resolutions while still showing it to the DM.
	IsHiddenFromPlayers bool   `json:"is_hidden_from_players"`
	Reasoning           string `json:"reasoning"`
	Mood                string `json:"mood,omitempty"`
}

// VisibleToPlayers reports whether players may see the NPC.
func (n StagedNPC) VisibleToPlayers() bool {
	return n.IsPresent && !n.IsHiddenFromPlayers
}

// VisibleNPCs returns the NPCs of npcs that are visible to players, in order.
func VisibleNPCs(npcs []StagedNPC) []StagedNPC {
	out := make([]StagedNPC, 0, len(npcs))
	for _, n := range npcs {
		if n.VisibleToPlayers() {
			out = append(out, n)
		}
	}
	return out
}

// StagingSource records where the NPCs of an activated staging came from.
type StagingSource string

const (
	SourceRuleBased StagingSource = "rule_based"
	SourceLLMBased  StagingSource = "llm_based"
	SourceMixed     StagingSource = "mixed"
	SourceDMCustom  StagingSource = "dm_customized"
	SourcePreStaged StagingSource = "pre_staged"
)

// Staging is an activated, DM-approved set of NPCs for a region.
type Staging struct {
	ID          string        `json:"id"`
	WorldID     string        `json:"world_id"`
	RegionID    string        `json:"region_id"`
	LocationID  string        `json:"location_id,omitempty"`
	NPCs        []StagedNPC   `json:"npcs"`
	ActivatedAt time.Time     `json:"activated_at"`
	TTLHours    int           `json:"ttl_hours"`
	Source      StagingSource `json:"source"`

	// Current is true for the staging that supersedes all others of its
	// region. Superseded stagings are kept as history.
	Current bool `json:"current"`
}

// ExpiresAt returns the first instant at which the staging is no longer valid.
func (s Staging) ExpiresAt() time.Time {
	return s.ActivatedAt.Add(time.Duration(s.TTLHours) * time.Hour)
}

// IsValid reports whether the staging is still valid at t. The boundary is
// exclusive: at exactly ActivatedAt+TTL the staging is expired.
func (s Staging) IsValid(t time.Time) bool {
	return t.Before(s.ExpiresAt())
}

// StagingProposal holds the two candidate lists shown to the DM.
type StagingProposal struct {
	RuleBasedNPCs   []StagedNPC `json:"rule_based_npcs"`
	LLMBasedNPCs    []StagedNPC `json:"llm_based_npcs"`
	DefaultTTLHours int         `json:"default_ttl_hours"`
	Context         string      `json:"context,omitempty"`
}

// WaitingPC is a player character blocked on a region's resolution.
type WaitingPC struct {
	PCID     string `json:"pc_id"`
	PCName   string `json:"pc_name"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id"`
}

// PendingStagingApproval is a staging proposal awaiting DM review.
type PendingStagingApproval struct {
	RequestID    string          `json:"request_id"`
	WorldID      string          `json:"world_id"`
	SessionID    string          `json:"session_id,omitempty"`
	RegionID     string          `json:"region_id"`
	LocationID   string          `json:"location_id,omitempty"`
	RegionName   string          `json:"region_name"`
	LocationName string          `json:"location_name,omitempty"`
	WaitingPCs   []WaitingPC     `json:"waiting_pcs"`
	Proposal     StagingProposal `json:"proposal"`

	// Generation is bumped on every regenerate so late LLM results for an
	// older revision can be recognised and dropped.
	Generation uint64 `json:"generation"`

	// ApprovalItemID is the id of the DM approval queue item.
	ApprovalItemID string    `json:"approval_item_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Clone returns a deep copy of p.
func (p *PendingStagingApproval) Clone() *PendingStagingApproval {
	if p == nil {
		return nil
	}
	c := *p
	c.WaitingPCs = slices.Clone(p.WaitingPCs)
	c.Proposal.RuleBasedNPCs = slices.Clone(p.Proposal.RuleBasedNPCs)
	c.Proposal.LLMBasedNPCs = slices.Clone(p.Proposal.LLMBasedNPCs)
	return &c
}

// HasWaitingPC reports whether pcID is already waiting on p.
func (p *PendingStagingApproval) HasWaitingPC(pcID string) bool {
	return slices.ContainsFunc(p.WaitingPCs, func(w WaitingPC) bool { return w.PCID == pcID })
}
