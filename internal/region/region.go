// Package region models rectangular screen regions and resolves per-source
// base layouts against named screen positions.
package region

import (
	"fmt"
)

// Region is an absolute pixel rectangle on screen. Immutable once computed.
type Region struct {
	Left   int `json:"left" yaml:"left"`
	Top    int `json:"top" yaml:"top"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Offset is a named screen position a base layout is shifted by, e.g. the
// top-left corner of a browser window on a multi-monitor desktop.
type Offset struct {
	Left int `json:"left" yaml:"left"`
	Top  int `json:"top" yaml:"top"`
}

// Center returns the click point of the region.
func (r Region) Center() (x, y int) {
	return r.Left + r.Width/2, r.Top + r.Height/2
}

// Valid reports whether the region has positive extent.
func (r Region) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

func (r Region) String() string {
	return fmt.Sprintf("(%d,%d %dx%d)", r.Left, r.Top, r.Width, r.Height)
}

// Resolve shifts every base region by the given offset and returns a new map.
// Width and height are unchanged. The input map is not modified; Resolve has
// no side effects and is safe to call from any goroutine.
func Resolve(base map[string]Region, off Offset) map[string]Region {
	out := make(map[string]Region, len(base))
	for role, r := range base {
		out[role] = Region{
			Left:   r.Left + off.Left,
			Top:    r.Top + off.Top,
			Width:  r.Width,
			Height: r.Height,
		}
	}
	return out
}
