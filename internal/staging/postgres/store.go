package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/pkg/types"
)

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a PostgreSQL-backed staging repository and relationship lookup.
type Store struct {
	db DB
}

// Compile-time interface checks.
var (
	_ staging.StagingRepository  = (*Store)(nil)
	_ staging.RelationshipLookup = (*Store)(nil)
	_ staging.RegionDirectory    = (*Store)(nil)
)

// NewStore creates a [Store] on db. The caller is responsible for calling
// [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks the connection with a trivial query. It backs the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

const stagingColumns = `id, world_id, region_id, location_id, npcs, activated_at, ttl_hours, source, is_current`

// GetActive implements [staging.StagingRepository]. The current staging is
// only returned while it is valid at now.
func (s *Store) GetActive(ctx context.Context, regionID string, now time.Time) (*types.Staging, error) {
	const query = `SELECT ` + stagingColumns + `
		FROM stagings
		WHERE region_id = $1 AND is_current
		LIMIT 1`

	st, err := scanStaging(s.db.QueryRow(ctx, query, regionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get active %q: %w", regionID, err)
	}
	if !st.IsValid(now) {
		return nil, nil
	}
	return &st, nil
}

// Save implements [staging.StagingRepository]. The staging is stored as not
// current; [Store.Activate] makes it current.
func (s *Store) Save(ctx context.Context, st types.Staging) error {
	if st.ID == "" || st.RegionID == "" {
		return fmt.Errorf("postgres: save: id and region are required")
	}
	npcs, err := json.Marshal(emptyNPCs(st.NPCs))
	if err != nil {
		return fmt.Errorf("postgres: marshal npcs: %w", err)
	}

	const query = `
		INSERT INTO stagings (id, world_id, region_id, location_id, npcs, activated_at, ttl_hours, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = s.db.Exec(ctx, query,
		st.ID, st.WorldID, st.RegionID, st.LocationID, npcs,
		st.ActivatedAt, st.TTLHours, string(st.Source),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: staging with id %q already exists", st.ID)
		}
		return fmt.Errorf("postgres: save: %w", err)
	}
	return nil
}

// Activate implements [staging.StagingRepository]. The previously current
// staging of the region is demoted in the same statement and the activated
// staging moves to the head of the region's history.
func (s *Store) Activate(ctx context.Context, stagingID, regionID string) error {
	const query = `
		UPDATE stagings SET
			is_current = (id = $1),
			seq = CASE WHEN id = $1
				THEN nextval(pg_get_serial_sequence('stagings', 'seq'))
				ELSE seq END
		WHERE region_id = $2
		  AND (is_current OR id = $1)
		  AND EXISTS (SELECT 1 FROM stagings WHERE id = $1 AND region_id = $2)`

	tag, err := s.db.Exec(ctx, query, stagingID, regionID)
	if err != nil {
		return fmt.Errorf("postgres: activate %q: %w", stagingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: activate %q in %q: %w", stagingID, regionID, staging.ErrNotFound)
	}
	return nil
}

// GetHistory implements [staging.StagingRepository].
func (s *Store) GetHistory(ctx context.Context, regionID string, limit int) ([]types.Staging, error) {
	if limit <= 0 {
		return nil, nil
	}
	const query = `SELECT ` + stagingColumns + `
		FROM stagings
		WHERE region_id = $1
		ORDER BY seq DESC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, regionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history %q: %w", regionID, err)
	}
	defer rows.Close()

	var out []types.Staging
	for rows.Next() {
		st, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: history scan: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history %q: %w", regionID, err)
	}
	return out, nil
}

func scanStaging(row pgx.Row) (types.Staging, error) {
	var (
		st     types.Staging
		npcs   []byte
		source string
	)
	if err := row.Scan(
		&st.ID, &st.WorldID, &st.RegionID, &st.LocationID, &npcs,
		&st.ActivatedAt, &st.TTLHours, &source, &st.Current,
	); err != nil {
		return types.Staging{}, err
	}
	st.Source = types.StagingSource(source)
	if err := json.Unmarshal(npcs, &st.NPCs); err != nil {
		return types.Staging{}, fmt.Errorf("unmarshal npcs: %w", err)
	}
	return st, nil
}

// emptyNPCs makes JSON marshalling produce "[]" instead of "null".
func emptyNPCs(n []types.StagedNPC) []types.StagedNPC {
	if n == nil {
		return []types.StagedNPC{}
	}
	return n
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
