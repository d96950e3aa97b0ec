// Package postgres persists stagings and campaign relations in PostgreSQL.
//
// [Store] implements both [staging.StagingRepository] and
// [staging.RelationshipLookup] on top of a [DB], which *pgxpool.Pool and
// *pgx.Conn satisfy. [Open] creates a pool and applies [Schema].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for all tables used by [Store]. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS regions (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    location_id   TEXT NOT NULL DEFAULT '',
    location_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS characters (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    sprite_asset   TEXT NOT NULL DEFAULT '',
    portrait_asset TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS npc_region_relations (
    character_id TEXT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
    region_id    TEXT NOT NULL,
    relation     TEXT NOT NULL,
    shift        TEXT NOT NULL DEFAULT '',
    frequency    TEXT NOT NULL DEFAULT '',
    time_of_day  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (character_id, region_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_npc_region_relations_region ON npc_region_relations(region_id);

CREATE TABLE IF NOT EXISTS stagings (
    seq          BIGSERIAL,
    id           TEXT PRIMARY KEY,
    world_id     TEXT NOT NULL DEFAULT '',
    region_id    TEXT NOT NULL,
    location_id  TEXT NOT NULL DEFAULT '',
    npcs         JSONB NOT NULL DEFAULT '[]',
    activated_at TIMESTAMPTZ NOT NULL,
    ttl_hours    INTEGER NOT NULL,
    source       TEXT NOT NULL,
    is_current   BOOLEAN NOT NULL DEFAULT false,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_stagings_region_seq ON stagings(region_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_stagings_region_current ON stagings(region_id) WHERE is_current;
`

// Open connects to the database at dsn, pings it and applies [Schema]. The
// caller owns the returned pool.
func Open(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := NewStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}
