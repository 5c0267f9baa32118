package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// BusForDevice returns the bus mapped to a third-party tracker device in
// tracker_devices, or ErrNotFound when the device is not provisioned.
func (s *Store) BusForDevice(ctx context.Context, deviceID int64) (string, error) {
	q := `
SELECT bus_id
FROM tracker_devices
WHERE device_id = $1 AND active
LIMIT 1`
	var busID sql.NullString
	if err := s.db.QueryRowContext(ctx, q, deviceID).Scan(&busID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup device %d: %w", deviceID, err)
	}
	if !busID.Valid || strings.TrimSpace(busID.String) == "" {
		return "", ErrNotFound
	}
	return busID.String, nil
}
