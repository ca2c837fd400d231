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
	"math"
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// Regridder applies first-order conservative regridding weights. It
// holds a sparse weight matrix in coordinate form: weight s[k]
// connects flattened source cell cols[k] to flattened destination
// cell rows[k].
type Regridder struct {
	rows []int
	cols []int
	s    []float64

	// mapped marks destination cells that receive any weight.
	// Unmapped cells are left untouched by Apply so that
	// destination grids larger than the source keep their
	// initial values outside the source footprint.
	mapped []bool

	srcSize int
	dstSize int
}

// NumLinks returns the number of weight matrix entries.
func (rg *Regridder) NumLinks() int { return len(rg.s) }

// NewRegridderFromFile reads precomputed conservative weights in the
// ESMF sparse matrix format: variables col, row (1-based flat
// indices), and S under dimension n_s.
func NewRegridderFromFile(path string, srcSize, dstSize int) (*Regridder, error) {
	ff, f, err := openNC(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()

	read := func(name string) ([]float64, error) {
		vals, _, err := readValues(ff, f, name)
		if err != nil {
			return nil, fmt.Errorf("smokedust: while reading weights %s: %v", path, err)
		}
		return vals, nil
	}
	col, err := read("col")
	if err != nil {
		return nil, err
	}
	row, err := read("row")
	if err != nil {
		return nil, err
	}
	s, err := read("S")
	if err != nil {
		return nil, err
	}
	if len(col) != len(row) || len(col) != len(s) {
		return nil, fmt.Errorf("smokedust: weight file %s: col, row and S lengths differ (%d, %d, %d)",
			path, len(col), len(row), len(s))
	}

	rg := &Regridder{
		rows:    make([]int, len(row)),
		cols:    make([]int, len(col)),
		s:       s,
		mapped:  make([]bool, dstSize),
		srcSize: srcSize,
		dstSize: dstSize,
	}
	for k := range s {
		ci := int(col[k]) - 1
		ri := int(row[k]) - 1
		if ci < 0 || ci >= srcSize {
			return nil, fmt.Errorf("smokedust: weight file %s: source index %d out of range [1, %d]",
				path, int(col[k]), srcSize)
		}
		if ri < 0 || ri >= dstSize {
			return nil, fmt.Errorf("smokedust: weight file %s: destination index %d out of range [1, %d]",
				path, int(row[k]), dstSize)
		}
		rg.cols[k] = ci
		rg.rows[k] = ri
		rg.mapped[ri] = true
	}
	return rg, nil
}

// cellGeom associates a grid cell polygon with its flattened index.
type cellGeom struct {
	geom.Polygonal
	index int
}

// cellPolygon builds the polygon for cell (iy, ix) of g from the
// grid corner coordinates.
func cellPolygon(g *Grid, iy, ix int) geom.Polygon {
	p := func(jy, jx int) geom.Point {
		return geom.Point{
			X: g.XCorner.Get(jy, jx),
			Y: g.YCorner.Get(jy, jx),
		}
	}
	return geom.Polygon{{
		p(iy, ix), p(iy, ix+1), p(iy+1, ix+1), p(iy+1, ix),
	}}
}

// NewRegridder computes first-order conservative weights between two
// grids from their cell corner polygons: each weight is the area of
// overlap between a source and a destination cell divided by the
// destination cell area. Both grids must carry corner coordinates.
// Degenerate cells (zero area) are skipped.
func NewRegridder(src, dst *Grid) (*Regridder, error) {
	if src.XCorner == nil || dst.XCorner == nil {
		return nil, fmt.Errorf("smokedust: conservative weight computation requires grid corner coordinates")
	}
	srcShape := src.LocalShape()
	dstShape := dst.LocalShape()

	index := rtree.NewTree(25, 50)
	for iy := 0; iy < srcShape[0]; iy++ {
		for ix := 0; ix < srcShape[1]; ix++ {
			poly := cellPolygon(src, iy, ix)
			if poly.Area() <= 0 {
				continue
			}
			index.Insert(&cellGeom{Polygonal: poly, index: iy*srcShape[1] + ix})
		}
	}

	rg := &Regridder{
		mapped:  make([]bool, dstShape[0]*dstShape[1]),
		srcSize: srcShape[0] * srcShape[1],
		dstSize: dstShape[0] * dstShape[1],
	}
	for iy := 0; iy < dstShape[0]; iy++ {
		for ix := 0; ix < dstShape[1]; ix++ {
			dstPoly := cellPolygon(dst, iy, ix)
			dstArea := dstPoly.Area()
			if dstArea <= 0 {
				continue
			}
			di := iy*dstShape[1] + ix
			for _, cI := range index.SearchIntersect(dstPoly.Bounds()) {
				c := cI.(*cellGeom)
				isect := dstPoly.Intersection(c.Polygonal)
				if isect == nil {
					continue
				}
				w := isect.Area() / dstArea
				if w <= 0 {
					continue
				}
				rg.rows = append(rg.rows, di)
				rg.cols = append(rg.cols, c.index)
				rg.s = append(rg.s, w)
				rg.mapped[di] = true
			}
		}
	}
	return rg, nil
}

// Apply regrids src onto the grid of dst, writing the result into
// dst. The two fields must have the same number of time steps.
// Mapped destination cells are overwritten; unmapped cells keep
// their current values.
func (rg *Regridder) Apply(src, dst *Field) error {
	if src.SpatialSize() != rg.srcSize {
		return &ShapeError{Want: []int{rg.srcSize}, Got: []int{src.SpatialSize()}}
	}
	if dst.SpatialSize() != rg.dstSize {
		return &ShapeError{Want: []int{rg.dstSize}, Got: []int{dst.SpatialSize()}}
	}
	nt := src.NTime()
	if nt != dst.NTime() {
		return fmt.Errorf("smokedust: while regridding %s: source has %d time steps but destination has %d",
			src.Name, nt, dst.NTime())
	}
	slabs := nt
	if slabs == 0 {
		slabs = 1
	}
	for t := 0; t < slabs; t++ {
		srcSlab := src.Data.Elements[t*rg.srcSize : (t+1)*rg.srcSize]
		dstSlab := dst.Data.Elements[t*rg.dstSize : (t+1)*rg.dstSize]
		for i, m := range rg.mapped {
			if m {
				dstSlab[i] = 0
			}
		}
		for k, w := range rg.s {
			dstSlab[rg.rows[k]] += w * srcSlab[rg.cols[k]]
		}
	}
	return nil
}

// WriteWeights writes the weight matrix to path in the ESMF sparse
// matrix format (1-based col, row and S under dimension n_s), so
// that in-memory weights can be reused as a weight file.
func (rg *Regridder) WriteWeights(path string) error {
	h := cdf.NewHeader([]string{"n_s"}, []int{len(rg.s)})
	h.AddVariable("col", []string{"n_s"}, []int32{0})
	h.AddVariable("row", []string{"n_s"}, []int32{0})
	h.AddVariable("S", []string{"n_s"}, []float64{0})
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("smokedust: while writing weights %s: %v", path, err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("smokedust: while writing weights %s: %v", path, err)
	}

	writeInts := func(name string, idx []int) error {
		buf := make([]int32, len(idx))
		for i, v := range idx {
			buf[i] = int32(v) + 1
		}
		w := f.Writer(name, []int{0}, []int{len(buf)})
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("smokedust: while writing weights %s: %v", name, err)
		}
		return nil
	}
	if err := writeInts("col", rg.cols); err != nil {
		return err
	}
	if err := writeInts("row", rg.rows); err != nil {
		return err
	}
	w := f.Writer("S", []int{0}, []int{len(rg.s)})
	if _, err := w.Write(rg.s); err != nil {
		return fmt.Errorf("smokedust: while writing weights %s: %v", path, err)
	}
	return nil
}

// Conservation returns the global sums of a source field and its
// regridded counterpart for one time slab, as a regridding fidelity
// diagnostic. NaN values are treated as zero.
func Conservation(src, dst *Field, t int) (srcSum, dstSum float64) {
	sum := func(f *Field) float64 {
		size := f.SpatialSize()
		slab := f.Data.Elements[t*size : (t+1)*size]
		s := 0.
		for _, v := range slab {
			if !math.IsNaN(v) {
				s += v
			}
		}
		return s
	}
	return sum(src), sum(dst)
}
