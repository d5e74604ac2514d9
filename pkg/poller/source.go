package poller

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/bedwatch/pkg/event"
)

// Source returns current facility rows. Implementations are read-only.
type Source interface {
	// Active returns every facility whose status is active.
	Active(ctx context.Context) ([]Snapshot, error)
	// UpdatedSince returns facilities whose last update is after since.
	UpdatedSince(ctx context.Context, since time.Time) ([]Snapshot, error)
}

// Querier is the subset of *pgxpool.Pool used by PGSource.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const (
	selectFacilities = `SELECT id, name, available_beds, total_beds, waiting_list_count, status, last_updated
FROM facilities`

	selectActiveFacilities  = selectFacilities + ` WHERE status = $1 ORDER BY id`
	selectUpdatedFacilities = selectFacilities + ` WHERE last_updated > $1 ORDER BY last_updated, id`
)

type facilityRow struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	AvailableBeds    int       `db:"available_beds"`
	TotalBeds        int       `db:"total_beds"`
	WaitingListCount int       `db:"waiting_list_count"`
	Status           string    `db:"status"`
	LastUpdated      time.Time `db:"last_updated"`
}

func (r facilityRow) snapshot() Snapshot {
	return Snapshot{
		FacilityID:       r.ID,
		Name:             r.Name,
		AvailableBeds:    r.AvailableBeds,
		TotalBeds:        r.TotalBeds,
		WaitingListCount: r.WaitingListCount,
		Status:           r.Status,
		OccupancyRate:    OccupancyRate(r.AvailableBeds, r.TotalBeds),
		LastUpdated:      r.LastUpdated.UTC(),
	}
}

// PGSource reads the facilities table.
type PGSource struct {
	db      Querier
	timeout time.Duration
}

// NewPGSource creates a source over db. A positive timeout bounds each query.
func NewPGSource(db Querier, timeout time.Duration) *PGSource {
	return &PGSource{db: db, timeout: timeout}
}

// Active implements Source.
func (s *PGSource) Active(ctx context.Context) ([]Snapshot, error) {
	return s.query(ctx, selectActiveFacilities, event.StatusActive)
}

// UpdatedSince implements Source.
func (s *PGSource) UpdatedSince(ctx context.Context, since time.Time) ([]Snapshot, error) {
	return s.query(ctx, selectUpdatedFacilities, since.UTC())
}

func (s *PGSource) query(ctx context.Context, sql string, args ...any) ([]Snapshot, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[facilityRow])
	if err != nil {
		return nil, errors.Join(ErrQueryFailed, err)
	}

	out := make([]Snapshot, 0, len(records))
	for _, r := range records {
		out = append(out, r.snapshot())
	}
	return out, nil
}
