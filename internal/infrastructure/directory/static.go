// Package directory answers vehicle existence lookups.
package directory

import (
	"context"
	"strings"
)

// StaticDirectory knows a fixed set of vehicles. An empty directory
// accepts every vehicle id.
type StaticDirectory struct {
	vehicles map[string]struct{}
}

// NewStaticDirectory creates a directory of the given vehicle ids
func NewStaticDirectory(vehicleIDs []string) *StaticDirectory {
	d := &StaticDirectory{vehicles: make(map[string]struct{}, len(vehicleIDs))}
	for _, id := range vehicleIDs {
		if id = strings.TrimSpace(id); id != "" {
			d.vehicles[id] = struct{}{}
		}
	}
	return d
}

// Exists implements domain.VehicleDirectory
func (d *StaticDirectory) Exists(ctx context.Context, vehicleID string) (bool, error) {
	if len(d.vehicles) == 0 {
		return true, nil
	}
	_, ok := d.vehicles[vehicleID]
	return ok, nil
}
