package chembench

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Location is a 6-DOF pose on the workstation deck: position in millimeters
// and orientation as Euler xyz angles in degrees.
type Location struct {
	Position    r3.Vector `json:"position"`
	Orientation r3.Vector `json:"orientation"`
}

// LocationFromSlice builds a Location from a flat [x y z rx ry rz] pose, the
// layout used by waypoint files.
func LocationFromSlice(pose []float64) (Location, error) {
	if len(pose) != 6 {
		return Location{}, fmt.Errorf("expected 6-element pose, got %d", len(pose))
	}
	return Location{
		Position:    r3.Vector{X: pose[0], Y: pose[1], Z: pose[2]},
		Orientation: r3.Vector{X: pose[3], Y: pose[4], Z: pose[5]},
	}, nil
}

// Slice returns the flat [x y z rx ry rz] form.
func (l Location) Slice() []float64 {
	return []float64{l.Position.X, l.Position.Y, l.Position.Z, l.Orientation.X, l.Orientation.Y, l.Orientation.Z}
}

// Translate returns a copy offset by the given millimeter vector. Orientation
// is unchanged.
func (l Location) Translate(offset r3.Vector) Location {
	return Location{
		Position:    l.Position.Add(offset),
		Orientation: l.Orientation,
	}
}

// Pose converts the location to a spatialmath pose for arm motion.
func (l Location) Pose() spatialmath.Pose {
	return spatialmath.NewPose(
		l.Position,
		&spatialmath.EulerAngles{
			Roll:  l.Orientation.X * math.Pi / 180,
			Pitch: l.Orientation.Y * math.Pi / 180,
			Yaw:   l.Orientation.Z * math.Pi / 180,
		},
	)
}

// Well pairs a grid well name with its deck location.
type Well struct {
	Name     string
	Location Location
}

const gridLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Grid lays out wells for a tray given the location of well A1. Letters step
// across columns in the negative X direction, numbers step down rows in the
// negative Y direction, so B1 sits one column spacing in -X from A1 and A2
// one row spacing in -Y. Wells are returned in column-major order
// (A1..A<rows>, B1..).
func Grid(origin Location, rows, columns int, spacing r3.Vector) ([]Well, error) {
	if rows < 1 || columns < 1 {
		return nil, fmt.Errorf("grid needs at least one row and one column, got %dx%d", rows, columns)
	}
	if columns > len(gridLetters) {
		return nil, fmt.Errorf("at most %d columns supported, got %d", len(gridLetters), columns)
	}

	wells := make([]Well, 0, rows*columns)
	for col := 0; col < columns; col++ {
		for row := 1; row <= rows; row++ {
			offset := r3.Vector{
				X: -spacing.X * float64(col),
				Y: -spacing.Y * float64(row-1),
			}
			wells = append(wells, Well{
				Name:     fmt.Sprintf("%c%d", gridLetters[col], row),
				Location: origin.Translate(offset),
			})
		}
	}
	return wells, nil
}
