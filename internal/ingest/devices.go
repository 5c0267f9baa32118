package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bus-buddy/internal/db"
)

// DeviceDirectory maps a third-party tracker device to a bus. Lookups for
// unmapped devices return ErrUnknownDevice.
type DeviceDirectory interface {
	BusForDevice(ctx context.Context, deviceID int64) (string, error)
}

type deviceFile struct {
	Devices []deviceEntry `yaml:"devices" json:"devices" validate:"dive"`
}

type deviceEntry struct {
	DeviceID int64  `yaml:"deviceId" json:"deviceId" validate:"required"`
	BusID    string `yaml:"busId" json:"busId" validate:"required,uuid4"`
}

// FileDirectory is a static device map loaded from YAML:
//
//	devices:
//	  - deviceId: 4021
//	    busId: 3f1c2a4e-5b6d-4e7f-8a9b-0c1d2e3f4a5b
type FileDirectory struct {
	buses map[int64]string
}

func LoadDeviceFile(path string) (*FileDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device map: %w", err)
	}
	d, err := ParseDevices(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func ParseDevices(data []byte) (*FileDirectory, error) {
	var f deviceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse device map: %w", err)
	}
	if errs := NewValidator().Check(f); len(errs) > 0 {
		return nil, fmt.Errorf("invalid device map: %s %s", errs[0].Field, errs[0].Message)
	}
	d := &FileDirectory{buses: make(map[int64]string, len(f.Devices))}
	for _, e := range f.Devices {
		if _, dup := d.buses[e.DeviceID]; dup {
			return nil, fmt.Errorf("invalid device map: device %d listed twice", e.DeviceID)
		}
		d.buses[e.DeviceID] = e.BusID
	}
	return d, nil
}

func (d *FileDirectory) Len() int { return len(d.buses) }

func (d *FileDirectory) BusForDevice(_ context.Context, deviceID int64) (string, error) {
	if bus, ok := d.buses[deviceID]; ok {
		return bus, nil
	}
	return "", ErrUnknownDevice
}

type busLookup interface {
	BusForDevice(ctx context.Context, deviceID int64) (string, error)
}

// StoreDirectory resolves devices through the tracker_devices table.
type StoreDirectory struct {
	store busLookup
}

func NewStoreDirectory(store busLookup) *StoreDirectory {
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) BusForDevice(ctx context.Context, deviceID int64) (string, error) {
	bus, err := d.store.BusForDevice(ctx, deviceID)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrUnknownDevice
	}
	return bus, err
}

// ChainDirectory asks each directory in order; the first mapping wins.
type ChainDirectory []DeviceDirectory

func (c ChainDirectory) BusForDevice(ctx context.Context, deviceID int64) (string, error) {
	for _, d := range c {
		bus, err := d.BusForDevice(ctx, deviceID)
		if err == nil {
			return bus, nil
		}
		if !errors.Is(err, ErrUnknownDevice) {
			return "", err
		}
	}
	return "", ErrUnknownDevice
}
