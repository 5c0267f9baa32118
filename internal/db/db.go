package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNotFound = errors.New("not found")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Location is one accepted row of the append-only location history.
type Location struct {
	ID         string
	BusID      string
	TripID     *string
	Latitude   float64
	Longitude  float64
	SpeedKmh   *float64
	Heading    *int
	Source     string
	RecordedAt time.Time
}

// Store is the location store. Rows are only ever inserted.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return Ping(ctx, s.db)
}

func (s *Store) InsertLocation(ctx context.Context, loc Location) error {
	q := `INSERT INTO bus_locations (id, bus_id, trip_id, latitude, longitude, speed_kmh, heading, source, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.ExecContext(ctx, q,
		loc.ID, loc.BusID, nullString(loc.TripID), loc.Latitude, loc.Longitude,
		nullFloat(loc.SpeedKmh), nullInt(loc.Heading), loc.Source, loc.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert location for bus %s: %w", loc.BusID, err)
	}
	return nil
}

const locationColumns = `id, bus_id, trip_id, latitude, longitude, speed_kmh, heading, source, recorded_at`

// LatestLocation returns the most recent row for busID or ErrNotFound.
func (s *Store) LatestLocation(ctx context.Context, busID string) (*Location, error) {
	q := `SELECT ` + locationColumns + ` FROM bus_locations WHERE bus_id = $1 ORDER BY recorded_at DESC LIMIT 1`
	loc, err := scanLocation(s.db.QueryRowContext(ctx, q, busID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest location for bus %s: %w", busID, err)
	}
	return loc, nil
}

// LocationHistory returns rows recorded within [start, end], oldest first.
func (s *Store) LocationHistory(ctx context.Context, busID string, start, end time.Time) ([]Location, error) {
	q := `SELECT ` + locationColumns + ` FROM bus_locations
WHERE bus_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
ORDER BY recorded_at ASC`
	rows, err := s.db.QueryContext(ctx, q, busID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query history for bus %s: %w", busID, err)
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(row scanner) (*Location, error) {
	var (
		loc     Location
		tripID  sql.NullString
		speed   sql.NullFloat64
		heading sql.NullInt32
	)
	if err := row.Scan(&loc.ID, &loc.BusID, &tripID, &loc.Latitude, &loc.Longitude,
		&speed, &heading, &loc.Source, &loc.RecordedAt); err != nil {
		return nil, err
	}
	if tripID.Valid {
		loc.TripID = &tripID.String
	}
	if speed.Valid {
		loc.SpeedKmh = &speed.Float64
	}
	if heading.Valid {
		h := int(heading.Int32)
		loc.Heading = &h
	}
	return &loc, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt32 {
	if i == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*i), Valid: true}
}
