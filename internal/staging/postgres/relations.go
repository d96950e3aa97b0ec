package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/dmdesk/internal/campaign"
	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/pkg/types"
)

// GetNPCsWithRegionRelation implements [staging.RelationshipLookup]. Rows are
// ordered by NPC name.
func (s *Store) GetNPCsWithRegionRelation(ctx context.Context, regionID string) ([]types.NPCWithRegionInfo, error) {
	const query = `
		SELECT c.id, c.name, c.sprite_asset, c.portrait_asset,
		       r.relation, r.shift, r.frequency, r.time_of_day
		FROM npc_region_relations r
		JOIN characters c ON c.id = r.character_id
		WHERE r.region_id = $1
		ORDER BY c.name, c.id`

	rows, err := s.db.Query(ctx, query, regionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: relations %q: %w", regionID, err)
	}
	defer rows.Close()

	var out []types.NPCWithRegionInfo
	for rows.Next() {
		var (
			n               types.NPCWithRegionInfo
			relation, shift string
		)
		if err := rows.Scan(
			&n.Character.ID, &n.Character.Name, &n.Character.SpriteAsset, &n.Character.PortraitAsset,
			&relation, &shift, &n.Frequency, &n.TimeOfDay,
		); err != nil {
			return nil, fmt.Errorf("postgres: relations scan: %w", err)
		}
		n.Relation = types.RegionRelation(relation)
		n.Shift = types.Shift(shift)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: relations %q: %w", regionID, err)
	}
	return out, nil
}

// Region implements [staging.RegionDirectory].
func (s *Store) Region(ctx context.Context, regionID string) (staging.RegionInfo, error) {
	const query = `SELECT id, name, location_id, location_name FROM regions WHERE id = $1`

	var info staging.RegionInfo
	err := s.db.QueryRow(ctx, query, regionID).Scan(&info.ID, &info.Name, &info.LocationID, &info.LocationName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return staging.RegionInfo{}, fmt.Errorf("postgres: region %q: %w", regionID, staging.ErrNotFound)
		}
		return staging.RegionInfo{}, fmt.Errorf("postgres: region %q: %w", regionID, err)
	}
	return info, nil
}

// Import upserts the regions and NPCs of cf. The relations of every imported
// NPC are replaced.
func (s *Store) Import(ctx context.Context, cf *campaign.File) error {
	const upsertRegion = `
		INSERT INTO regions (id, name, location_id, location_name)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			location_id = EXCLUDED.location_id,
			location_name = EXCLUDED.location_name`
	const upsertCharacter = `
		INSERT INTO characters (id, name, sprite_asset, portrait_asset)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			sprite_asset = EXCLUDED.sprite_asset,
			portrait_asset = EXCLUDED.portrait_asset`
	const deleteRelations = `DELETE FROM npc_region_relations WHERE character_id = $1`
	const insertRelation = `
		INSERT INTO npc_region_relations (character_id, region_id, relation, shift, frequency, time_of_day)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (character_id, region_id, relation) DO UPDATE SET
			shift = EXCLUDED.shift,
			frequency = EXCLUDED.frequency,
			time_of_day = EXCLUDED.time_of_day`

	for _, r := range cf.Regions {
		if _, err := s.db.Exec(ctx, upsertRegion, r.ID, r.Name, r.LocationID, r.LocationName); err != nil {
			return fmt.Errorf("postgres: import region %q: %w", r.ID, err)
		}
	}
	for _, n := range cf.NPCs {
		if _, err := s.db.Exec(ctx, upsertCharacter, n.ID, n.Name, n.SpriteAsset, n.PortraitAsset); err != nil {
			return fmt.Errorf("postgres: import npc %q: %w", n.ID, err)
		}
		if _, err := s.db.Exec(ctx, deleteRelations, n.ID); err != nil {
			return fmt.Errorf("postgres: import npc %q: %w", n.ID, err)
		}
		for _, rel := range n.Relations {
			if _, err := s.db.Exec(ctx, insertRelation,
				n.ID, rel.Region, string(rel.Type), string(rel.Shift), rel.Frequency, rel.TimeOfDay,
			); err != nil {
				return fmt.Errorf("postgres: import npc %q relation %q: %w", n.ID, rel.Region, err)
			}
		}
	}
	return nil
}
