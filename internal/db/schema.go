package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS bus_locations (
  id          uuid PRIMARY KEY,
  bus_id      uuid NOT NULL,
  trip_id     uuid,
  latitude    double precision NOT NULL,
  longitude   double precision NOT NULL,
  speed_kmh   double precision,
  heading     integer,
  source      text NOT NULL,
  recorded_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS bus_locations_bus_recorded_idx ON bus_locations (bus_id, recorded_at);
CREATE TABLE IF NOT EXISTS tracker_devices (
  device_id bigint PRIMARY KEY,
  bus_id    uuid NOT NULL,
  active    boolean NOT NULL DEFAULT true
);`

var requiredColumns = map[string][]string{
	"bus_locations":   {"id", "bus_id", "trip_id", "latitude", "longitude", "speed_kmh", "heading", "source", "recorded_at"},
	"tracker_devices": {"device_id", "bus_id", "active"},
}

// EnsureSchema creates the store tables when missing and checks that
// existing tables carry the columns the queries rely on.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, table := range []string{"bus_locations", "tracker_devices"} {
		have, err := hasColumns(ctx, db, "public", table, requiredColumns[table]...)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		var missing []string
		for _, c := range requiredColumns[table] {
			if !have[c] {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("table %s is missing columns: %s", table, strings.Join(missing, ", "))
		}
	}
	return nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2`
	rows, err := db.QueryContext(ctx, q, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if _, ok := res[name]; ok {
			res[name] = true
		}
	}
	return res, rows.Err()
}
