package suggest

import (
	"cmp"
	"slices"
	"strings"

	"github.com/MrWong99/dmdesk/pkg/types"
)

// Reasoning strings of rule-based suggestions.
const (
	reasonHome            = "Lives here"
	reasonWorksAt         = "Works here"
	reasonFrequents       = "Frequents this area"
	reasonCurrentlyStaged = "Currently staged"
)

// relationRank orders relations when one NPC has several rows for the same
// region; the lowest rank wins.
var relationRank = map[types.RegionRelation]int{
	types.RelationHome:      0,
	types.RelationWorksAt:   1,
	types.RelationFrequents: 2,
}

// RuleBased derives presence suggestions from the stored relations of a
// region. NPCs that avoid the region are left out. NPCs in currentlyStaged
// that the lookup did not return are merged in unchanged so manual DM staging
// is never lost; an avoids relation still excludes them.
//
// The result depends only on the set of inputs, not their order: it is
// sorted by name, then character id.
func RuleBased(npcs []types.NPCWithRegionInfo, currentlyStaged []types.StagedNPC) []types.StagedNPC {
	avoids := avoiders(npcs)

	best := make(map[string]types.NPCWithRegionInfo, len(npcs))
	for _, n := range npcs {
		if _, ok := avoids[n.Character.ID]; ok {
			continue
		}
		rank, ok := relationRank[n.Relation]
		if !ok {
			continue
		}
		prev, seen := best[n.Character.ID]
		if !seen || rank < relationRank[prev.Relation] ||
			(rank == relationRank[prev.Relation] && Reasoning(n) < Reasoning(prev)) {
			best[n.Character.ID] = n
		}
	}

	out := make([]types.StagedNPC, 0, len(best)+len(currentlyStaged))
	for _, n := range best {
		out = append(out, types.StagedNPC{
			CharacterID:   n.Character.ID,
			Name:          n.Character.Name,
			SpriteAsset:   n.Character.SpriteAsset,
			PortraitAsset: n.Character.PortraitAsset,
			IsPresent:     true,
			Reasoning:     Reasoning(n),
		})
	}

	for _, s := range currentlyStaged {
		if _, ok := best[s.CharacterID]; ok {
			continue
		}
		// An avoids relation overrides a previous manual staging.
		if _, ok := avoids[s.CharacterID]; ok {
			continue
		}
		// Mark as seen so duplicates inside currentlyStaged merge once.
		best[s.CharacterID] = types.NPCWithRegionInfo{}
		if s.Reasoning == "" {
			s.Reasoning = reasonCurrentlyStaged
		}
		out = append(out, s)
	}

	SortNPCs(out)
	return out
}

// avoiders returns the ids of NPCs with at least one avoids relation.
func avoiders(npcs []types.NPCWithRegionInfo) map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range npcs {
		if n.Relation == types.RelationAvoids {
			out[n.Character.ID] = struct{}{}
		}
	}
	return out
}

// Reasoning returns the human-readable rule-based reason for one relation.
func Reasoning(n types.NPCWithRegionInfo) string {
	switch n.Relation {
	case types.RelationHome:
		return reasonHome
	case types.RelationWorksAt:
		switch n.Shift {
		case types.ShiftDay:
			return reasonWorksAt + " (day shift)"
		case types.ShiftNight:
			return reasonWorksAt + " (night shift)"
		}
		return reasonWorksAt
	case types.RelationFrequents:
		var sb strings.Builder
		sb.WriteString(reasonFrequents)
		if f := strings.TrimSpace(n.Frequency); f != "" {
			sb.WriteByte(' ')
			sb.WriteString(f)
		}
		if tod := strings.TrimSpace(n.TimeOfDay); tod != "" {
			sb.WriteString(" (")
			sb.WriteString(tod)
			sb.WriteByte(')')
		}
		return sb.String()
	}
	return ""
}

// SortNPCs sorts npcs in place by name, then character id.
func SortNPCs(npcs []types.StagedNPC) {
	slices.SortFunc(npcs, func(a, b types.StagedNPC) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.CharacterID, b.CharacterID)
	})
}
