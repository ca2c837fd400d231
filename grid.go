/*
Copyright © 2024 the SmokeDust authors.
This file is part of SmokeDust.

SmokeDust is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SmokeDust is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SmokeDust.  If not, see <http://www.gnu.org/licenses/>.
*/

package smokedust

import (
	"fmt"
	"strings"

	"github.com/ctessum/sparse"
)

// StaggerLoc identifies the location of data on a grid cell.
type StaggerLoc int

const (
	// StaggerCenter is data located at cell centers.
	StaggerCenter StaggerLoc = iota
	// StaggerCorner is data located at cell corners.
	StaggerCorner
	// StaggerTime is a temporal axis rather than a spatial one.
	StaggerTime
)

// CoordType is the coordinate role played by a dimension.
type CoordType string

const (
	// CoordX is the west-east coordinate role.
	CoordX CoordType = "x"
	// CoordY is the south-north coordinate role.
	CoordY CoordType = "y"
	// CoordTime is the temporal coordinate role.
	CoordTime CoordType = "time"
)

// LookupError is returned when none of a set of name aliases can be
// resolved against a file or dimension collection.
type LookupError struct {
	Names []string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("smokedust: name not found under any alias: %s",
		strings.Join(e.Names, ", "))
}

// ShapeError is returned when array dimensions disagree.
type ShapeError struct {
	Want, Got []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("smokedust: shape mismatch: want %v but got %v", e.Want, e.Got)
}

// Comm describes this process's place in a set of data-parallel ranks.
// The zero value is a valid single-process communicator.
type Comm struct {
	Rank, Size int
}

// Root reports whether this is the coordinating rank.
func (c Comm) Root() bool { return c.Rank == 0 }

func (c Comm) size() int {
	if c.Size < 1 {
		return 1
	}
	return c.Size
}

// decompose splits n items into nearly-equal contiguous blocks and
// returns the [lower,upper) bounds owned by the given rank. Leading
// ranks absorb the remainder one item at a time.
func decompose(n, nranks, rank int) (lower, upper int) {
	if nranks < 1 {
		nranks = 1
	}
	block := n / nranks
	rem := n % nranks
	lower = rank*block + min(rank, rem)
	upper = lower + block
	if rank < rem {
		upper++
	}
	return lower, upper
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Dimension describes one axis of a grid or field: the aliases under
// which it may appear in a file, its full size, and the index bounds
// owned by the current rank.
type Dimension struct {
	Name    []string
	Size    int
	Lower   int // inclusive
	Upper   int // exclusive
	Stagger StaggerLoc
	Coord   CoordType
}

// Extent is the number of rank-local indices.
func (d Dimension) Extent() int { return d.Upper - d.Lower }

func (d Dimension) validate() error {
	if len(d.Name) == 0 {
		return fmt.Errorf("smokedust: dimension has no name aliases")
	}
	if d.Lower < 0 || d.Lower > d.Upper || d.Upper > d.Size {
		return fmt.Errorf("smokedust: dimension %s bounds [%d,%d) outside size %d",
			d.Name[0], d.Lower, d.Upper, d.Size)
	}
	return nil
}

// matches reports whether any of the given aliases names this dimension.
func (d Dimension) matches(names ...string) bool {
	for _, want := range names {
		for _, have := range d.Name {
			if want == have {
				return true
			}
		}
	}
	return false
}

// DimensionCollection is an ordered set of dimensions with no
// duplicated coordinate roles.
type DimensionCollection struct {
	Value []Dimension
}

// NewDimensionCollection validates and assembles a dimension collection.
func NewDimensionCollection(dims ...Dimension) (DimensionCollection, error) {
	seen := make(map[CoordType]bool)
	for _, d := range dims {
		if err := d.validate(); err != nil {
			return DimensionCollection{}, err
		}
		if seen[d.Coord] {
			return DimensionCollection{}, fmt.Errorf(
				"smokedust: duplicate coordinate role %q in dimension collection", d.Coord)
		}
		seen[d.Coord] = true
	}
	return DimensionCollection{Value: dims}, nil
}

// Get resolves a dimension by any of the given name aliases.
func (dc DimensionCollection) Get(names ...string) (Dimension, error) {
	for _, want := range names {
		for _, d := range dc.Value {
			if d.matches(want) {
				return d, nil
			}
		}
	}
	return Dimension{}, &LookupError{Names: names}
}

// byCoord returns the dimension playing the given coordinate role.
func (dc DimensionCollection) byCoord(c CoordType) (Dimension, bool) {
	for _, d := range dc.Value {
		if d.Coord == c {
			return d, true
		}
	}
	return Dimension{}, false
}

// localShape is the rank-local extent of each dimension, in order.
func (dc DimensionCollection) localShape() []int {
	shape := make([]int, len(dc.Value))
	for i, d := range dc.Value {
		shape[i] = d.Extent()
	}
	return shape
}

// GridSpec declares where to find grid metadata inside a file:
// coordinate variable names, dimension aliases and, optionally, the
// corner-staggered equivalents. Corner metadata must be fully given
// or fully absent.
type GridSpec struct {
	XCenter, YCenter       string
	XDim, YDim             []string
	XCorner, YCorner       string
	XCornerDim, YCornerDim []string
}

// Validate checks the all-or-nothing corner metadata rule.
func (s GridSpec) Validate() error {
	given := 0
	if s.XCorner != "" {
		given++
	}
	if s.YCorner != "" {
		given++
	}
	if len(s.XCornerDim) > 0 {
		given++
	}
	if len(s.YCornerDim) > 0 {
		given++
	}
	if given > 0 && given != 4 {
		return fmt.Errorf("smokedust: grid spec %s/%s: if any corner metadata is supplied, all must be supplied",
			s.XCenter, s.YCenter)
	}
	if s.XCenter == "" || s.YCenter == "" || len(s.XDim) == 0 || len(s.YDim) == 0 {
		return fmt.Errorf("smokedust: grid spec is missing center coordinate metadata")
	}
	return nil
}

// HasCorners reports whether corner metadata is present.
func (s GridSpec) HasCorners() bool { return s.XCorner != "" }

// Grid wraps the rank-local coordinate arrays for a two-dimensional
// coordinate grid in spherical degrees, optionally with cell-corner
// coordinates. A grid is immutable once constructed.
type Grid struct {
	// XCenter and YCenter hold rank-local (y, x) cell-center
	// longitudes and latitudes in degrees.
	XCenter, YCenter *sparse.DenseArray
	// XCorner and YCorner, when present, hold the corresponding
	// (y+1, x+1) cell-corner coordinates.
	XCorner, YCorner *sparse.DenseArray

	Spec       GridSpec
	Dims       DimensionCollection
	CornerDims *DimensionCollection
}

// checkCorners verifies that corner arrays, when present, are one
// larger than the centers in each dimension.
func (g *Grid) checkCorners() error {
	if g.XCorner == nil {
		return nil
	}
	want := []int{g.YCenter.Shape[0] + 1, g.YCenter.Shape[1] + 1}
	for _, corner := range []*sparse.DenseArray{g.YCorner, g.XCorner} {
		if corner.Shape[0] != want[0] || corner.Shape[1] != want[1] {
			return &ShapeError{Want: want, Got: corner.Shape}
		}
	}
	return nil
}

// LocalShape is the rank-local (y, x) extent of the cell centers.
func (g *Grid) LocalShape() [2]int {
	return [2]int{g.XCenter.Shape[0], g.XCenter.Shape[1]}
}

// Field is named scalar data defined over a grid, optionally with a
// leading time axis. The field shares its grid with the component
// that built the grid; it does not own it.
type Field struct {
	Name string
	// Data is (t, y, x) when a time axis is present, otherwise (y, x).
	Data *sparse.DenseArray
	Grid *Grid
	Dims DimensionCollection
}

// NTime is the length of the field's time axis, or 1 if it has none.
func (f *Field) NTime() int {
	if d, ok := f.Dims.byCoord(CoordTime); ok {
		return d.Extent()
	}
	return 1
}

// SpatialSize is the number of rank-local cells in one time slab.
func (f *Field) SpatialSize() int {
	shape := f.Data.Shape
	return shape[len(shape)-2] * shape[len(shape)-1]
}

// checkShape verifies the field data matches its rank-local bounds.
func (f *Field) checkShape() error {
	want := f.Dims.localShape()
	if len(want) != len(f.Data.Shape) {
		return &ShapeError{Want: want, Got: f.Data.Shape}
	}
	for i := range want {
		if want[i] != f.Data.Shape[i] {
			return &ShapeError{Want: want, Got: f.Data.Shape}
		}
	}
	return nil
}

// NewField creates a zero-filled field over the rank-local portion of
// grid g, with a time axis of length nt when nt > 0.
func NewField(name string, g *Grid, nt int) (*Field, error) {
	ny, nx := g.LocalShape()[0], g.LocalShape()[1]
	dims := append([]Dimension{}, g.Dims.Value...)
	var data *sparse.DenseArray
	if nt > 0 {
		timeDim := Dimension{
			Name:    []string{"t", "time"},
			Size:    nt,
			Lower:   0,
			Upper:   nt,
			Stagger: StaggerTime,
			Coord:   CoordTime,
		}
		dims = append([]Dimension{timeDim}, dims...)
		data = sparse.ZerosDense(nt, ny, nx)
	} else {
		data = sparse.ZerosDense(ny, nx)
	}
	dc, err := NewDimensionCollection(dims...)
	if err != nil {
		return nil, err
	}
	f := &Field{Name: name, Data: data, Grid: g, Dims: dc}
	if err := f.checkShape(); err != nil {
		return nil, err
	}
	return f, nil
}
