// ABOUTME: Facility persistence for the find-nearest-facility flow
// ABOUTME: Rows are seeded at deploy time; the engine only reads them

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ListFacilities returns every clinic location.
func (s *Store) ListFacilities(ctx context.Context) ([]*Facility, error) {
	return listFacilities(ctx, s.db)
}

// ListFacilities returns every clinic location within the transaction.
func (t *Tx) ListFacilities(ctx context.Context) ([]*Facility, error) {
	return listFacilities(ctx, t.tx)
}

func listFacilities(ctx context.Context, q querier) ([]*Facility, error) {
	query := `SELECT id, name, address, latitude, longitude FROM facilities ORDER BY name`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing facilities: %w", err)
	}
	defer rows.Close()

	var facilities []*Facility
	for rows.Next() {
		var f Facility
		if err := rows.Scan(&f.ID, &f.Name, &f.Address, &f.Latitude, &f.Longitude); err != nil {
			return nil, fmt.Errorf("scanning facility: %w", err)
		}
		facilities = append(facilities, &f)
	}
	return facilities, rows.Err()
}

// InsertFacility adds a clinic location. Used by seeding and tests.
func (s *Store) InsertFacility(ctx context.Context, f *Facility) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	query := `INSERT INTO facilities (id, name, address, latitude, longitude) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, f.ID, f.Name, f.Address, f.Latitude, f.Longitude); err != nil {
		return fmt.Errorf("inserting facility: %w", err)
	}
	return nil
}
