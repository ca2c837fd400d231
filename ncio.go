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
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

// Global attributes attached to every emissions file.
const (
	algorithmVersion = "Beta"
	timeRangeAttr    = "1 hour"
)

// IOConfig describes the I/O capabilities of the execution
// environment. Parallel reports whether the output files are opened
// for collective parallel access; Root reports whether this rank
// performs the data writes. Results must not depend on Parallel: it
// exists so that collective participation can be arranged explicitly
// instead of probing the storage layer at run time and swallowing
// its errors.
type IOConfig struct {
	Parallel bool
	Root     bool
}

// openNC opens an existing netCDF file for reading.
func openNC(path string) (*os.File, *cdf.File, error) {
	ff, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := cdf.Open(ff)
	if err != nil {
		ff.Close()
		return nil, nil, fmt.Errorf("smokedust: while opening %s: %v", path, err)
	}
	return ff, f, nil
}

// openNCWrite opens an existing netCDF file for reading and writing.
func openNCWrite(path string) (*os.File, *cdf.File, error) {
	ff, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	f, err := cdf.Open(ff)
	if err != nil {
		ff.Close()
		return nil, nil, fmt.Errorf("smokedust: while opening %s for writing: %v", path, err)
	}
	return ff, f, nil
}

// fileDimension resolves a dimension in a file header under any of
// the given name aliases, returning the matched name and its length.
func fileDimension(h *cdf.Header, names ...string) (string, int, error) {
	dims := h.Dimensions("")
	lengths := h.Lengths("")
	for _, want := range names {
		for i, have := range dims {
			if want == have {
				return have, lengths[i], nil
			}
		}
	}
	return "", 0, &LookupError{Names: names}
}

// varLengths returns the dimension lengths for a variable with the
// record dimension, if any, replaced by the actual record count.
func varLengths(ff *os.File, f *cdf.File, name string) ([]int, error) {
	lengths := f.Header.Lengths(name)
	if lengths == nil {
		return nil, &LookupError{Names: []string{name}}
	}
	out := make([]int, len(lengths))
	copy(out, lengths)
	if f.Header.IsRecordVariable(name) {
		fi, err := ff.Stat()
		if err != nil {
			return nil, err
		}
		out[0] = int(f.Header.NumRecs(fi.Size()))
	}
	return out, nil
}

// toFloat64 converts a typed buffer returned by a cdf reader to a
// float64 slice.
func toFloat64(buf interface{}) ([]float64, error) {
	switch b := buf.(type) {
	case []float64:
		return b, nil
	case []float32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []int16:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	case []uint8:
		out := make([]float64, len(b))
		for i, v := range b {
			out[i] = float64(v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("smokedust: unsupported netCDF buffer type %T", buf)
}

// readValues reads the entire contents of a variable as float64,
// also returning the variable's on-disk shape (record dimension
// resolved to its actual length).
func readValues(ff *os.File, f *cdf.File, name string) ([]float64, []int, error) {
	shape, err := varLengths(ff, f, name)
	if err != nil {
		return nil, nil, err
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	r := f.Reader(name, make([]int, len(shape)), shape)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil {
		return nil, nil, fmt.Errorf("smokedust: while reading %s: %v", name, err)
	}
	vals, err := toFloat64(buf)
	if err != nil {
		return nil, nil, err
	}
	return vals, shape, nil
}

func diskStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// loadVariable reads the rank-local hyperslab of a variable bounded
// by the target dimensions, transposing on-disk axis order to the
// target dimension order. Each on-disk axis must resolve, by alias,
// to exactly one target dimension.
func loadVariable(ff *os.File, f *cdf.File, name string, target DimensionCollection) (*sparse.DenseArray, error) {
	values, diskShape, err := readValues(ff, f, name)
	if err != nil {
		return nil, err
	}
	diskDims := f.Header.Dimensions(name)
	if len(diskDims) != len(target.Value) {
		return nil, &ShapeError{Want: target.localShape(), Got: diskShape}
	}

	// axisForTarget[k] is the on-disk axis feeding target axis k.
	axisForTarget := make([]int, len(target.Value))
	for a, diskName := range diskDims {
		matched := false
		for k, d := range target.Value {
			if d.matches(diskName) {
				axisForTarget[k] = a
				matched = true
				break
			}
		}
		if !matched {
			return nil, &LookupError{Names: []string{diskName}}
		}
	}
	for k, d := range target.Value {
		if diskShape[axisForTarget[k]] < d.Upper {
			return nil, &ShapeError{Want: target.localShape(), Got: diskShape}
		}
	}

	shape := target.localShape()
	out := sparse.ZerosDense(shape...)
	strides := diskStrides(diskShape)
	idx := make([]int, len(shape))
	for flat := range out.Elements {
		rem := flat
		for k := len(shape) - 1; k >= 0; k-- {
			idx[k] = rem % shape[k]
			rem /= shape[k]
		}
		off := 0
		for k := range shape {
			off += (idx[k] + target.Value[k].Lower) * strides[axisForTarget[k]]
		}
		out.Elements[flat] = values[off]
	}
	return out, nil
}

// LoadGrid reads a grid definition from path according to spec,
// copying only the rank-local slice of coordinate data. The grid is
// decomposed across ranks in contiguous south-north blocks.
func LoadGrid(path string, spec GridSpec, comm Comm) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ff, f, err := openNC(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()

	_, nx, err := fileDimension(f.Header, spec.XDim...)
	if err != nil {
		return nil, fmt.Errorf("smokedust: while sizing grid %s: %v", path, err)
	}
	_, ny, err := fileDimension(f.Header, spec.YDim...)
	if err != nil {
		return nil, fmt.Errorf("smokedust: while sizing grid %s: %v", path, err)
	}
	yLower, yUpper := decompose(ny, comm.size(), comm.Rank)

	dims, err := NewDimensionCollection(
		Dimension{Name: spec.YDim, Size: ny, Lower: yLower, Upper: yUpper,
			Stagger: StaggerCenter, Coord: CoordY},
		Dimension{Name: spec.XDim, Size: nx, Lower: 0, Upper: nx,
			Stagger: StaggerCenter, Coord: CoordX},
	)
	if err != nil {
		return nil, err
	}

	g := &Grid{Spec: spec, Dims: dims}
	if g.XCenter, err = loadVariable(ff, f, spec.XCenter, dims); err != nil {
		return nil, fmt.Errorf("smokedust: while loading grid %s: %v", path, err)
	}
	if g.YCenter, err = loadVariable(ff, f, spec.YCenter, dims); err != nil {
		return nil, fmt.Errorf("smokedust: while loading grid %s: %v", path, err)
	}

	if spec.HasCorners() {
		_, cnx, err := fileDimension(f.Header, spec.XCornerDim...)
		if err != nil {
			return nil, fmt.Errorf("smokedust: while sizing grid corners %s: %v", path, err)
		}
		_, cny, err := fileDimension(f.Header, spec.YCornerDim...)
		if err != nil {
			return nil, fmt.Errorf("smokedust: while sizing grid corners %s: %v", path, err)
		}
		if cnx != nx+1 || cny != ny+1 {
			return nil, &ShapeError{Want: []int{ny + 1, nx + 1}, Got: []int{cny, cnx}}
		}
		cornerDims, err := NewDimensionCollection(
			Dimension{Name: spec.YCornerDim, Size: cny, Lower: yLower, Upper: yUpper + 1,
				Stagger: StaggerCorner, Coord: CoordY},
			Dimension{Name: spec.XCornerDim, Size: cnx, Lower: 0, Upper: cnx,
				Stagger: StaggerCorner, Coord: CoordX},
		)
		if err != nil {
			return nil, err
		}
		if g.XCorner, err = loadVariable(ff, f, spec.XCorner, cornerDims); err != nil {
			return nil, fmt.Errorf("smokedust: while loading grid corners %s: %v", path, err)
		}
		if g.YCorner, err = loadVariable(ff, f, spec.YCorner, cornerDims); err != nil {
			return nil, fmt.Errorf("smokedust: while loading grid corners %s: %v", path, err)
		}
		g.CornerDims = &cornerDims
	}
	if err := g.checkCorners(); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadField reads one named variable from path into a new field over
// grid g. When timeDim aliases are given, the field gains a leading
// time axis with length equal to the file's time dimension.
func LoadField(path, name string, g *Grid, timeDim []string) (*Field, error) {
	ff, f, err := openNC(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()

	target := g.Dims
	if len(timeDim) > 0 {
		_, nt, err := fileDimension(f.Header, timeDim...)
		if err != nil {
			return nil, fmt.Errorf("smokedust: while loading field %s from %s: %v", name, path, err)
		}
		if nt == 0 { // record dimension
			fi, err := ff.Stat()
			if err != nil {
				return nil, err
			}
			nt = int(f.Header.NumRecs(fi.Size()))
		}
		target, err = NewDimensionCollection(append([]Dimension{{
			Name: timeDim, Size: nt, Lower: 0, Upper: nt,
			Stagger: StaggerTime, Coord: CoordTime,
		}}, g.Dims.Value...)...)
		if err != nil {
			return nil, err
		}
	}

	data, err := loadVariable(ff, f, name, target)
	if err != nil {
		return nil, fmt.Errorf("smokedust: while loading field %s from %s: %v", name, path, err)
	}
	fld := &Field{Name: name, Data: data, Grid: g, Dims: target}
	if err := fld.checkShape(); err != nil {
		return nil, err
	}
	return fld, nil
}

// writeFloats writes float64 data to a variable as 32-bit floats
// over the index range [begin, end).
func writeFloats(f *cdf.File, name string, begin, end []int, data []float64) error {
	buf := make([]float32, len(data))
	for i, v := range data {
		buf[i] = float32(v)
	}
	w := f.Writer(name, begin, end)
	if w == nil {
		return &LookupError{Names: []string{name}}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("smokedust: while writing %s: %v", name, err)
	}
	return nil
}

// writeVariable overwrites the named variable in an existing file
// with the given data. For record variables the leading data axis is
// the record axis.
func writeVariable(path, name string, data *sparse.DenseArray) error {
	ff, f, err := openNCWrite(path)
	if err != nil {
		return err
	}
	defer ff.Close()

	end, err := varLengths(ff, f, name)
	if err != nil {
		return err
	}
	if f.Header.IsRecordVariable(name) {
		end[0] = data.Shape[0]
	}
	n := 1
	for _, s := range end {
		n *= s
	}
	if n != len(data.Elements) {
		return &ShapeError{Want: end, Got: data.Shape}
	}
	if err := writeFloats(f, name, make([]int, len(end)), end, data.Elements); err != nil {
		return fmt.Errorf("smokedust: while writing %s to %s: %v", name, path, err)
	}
	return cdf.UpdateNumRecs(ff)
}

// readVariable2D reads the full extent of a variable from path as a
// (y, x) array. Variables with a leading time axis are read at the
// first time index.
func readVariable2D(path, name string) (*sparse.DenseArray, error) {
	ff, f, err := openNC(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()

	values, shape, err := readValues(ff, f, name)
	if err != nil {
		return nil, fmt.Errorf("smokedust: while reading %s from %s: %v", name, path, err)
	}
	switch len(shape) {
	case 2:
		out := sparse.ZerosDense(shape...)
		copy(out.Elements, values)
		return out, nil
	case 3:
		out := sparse.ZerosDense(shape[1], shape[2])
		copy(out.Elements, values[:shape[1]*shape[2]])
		return out, nil
	}
	return nil, &ShapeError{Want: []int{-1, -1}, Got: shape}
}

// fileVariables returns the names of all variables in a netCDF file.
func fileVariables(path string) ([]string, error) {
	ff, f, err := openNC(path)
	if err != nil {
		return nil, err
	}
	defer ff.Close()
	return f.Header.Variables(), nil
}

// emissionsHeader builds the template header for an emissions file:
// a record time dimension plus the output grid extents, coordinate
// variables, and the requested emission variables.
func emissionsHeader(shape [2]int, varNames []string, isDummy bool) (*cdf.Header, error) {
	h := cdf.NewHeader([]string{"t", "lat", "lon"}, []int{0, shape[0], shape[1]})
	h.AddAttribute("", "PRODUCT_ALGORITHM_VERSION", algorithmVersion)
	h.AddAttribute("", "TIME_RANGE", timeRangeAttr)
	if isDummy {
		h.AddAttribute("", "is_dummy", "True")
	} else {
		h.AddAttribute("", "is_dummy", "False")
	}

	for _, coord := range []string{"geolat", "geolon"} {
		v, err := GetVariable(coord)
		if err != nil {
			return nil, err
		}
		h.AddVariable(v.Name, []string{"lat", "lon"}, []float32{0})
		h.AddAttribute(v.Name, "units", v.Units)
		h.AddAttribute(v.Name, "long_name", v.LongName)
		h.AddAttribute(v.Name, "standard_name", v.Name)
		h.AddAttribute(v.Name, "FillValue", v.FillValueStr)
		h.AddAttribute(v.Name, "_FillValue", []float32{float32(v.FillValue)})
		h.AddAttribute(v.Name, "coordinates", "geolat geolon")
	}
	for _, name := range varNames {
		v, err := GetVariable(name)
		if err != nil {
			return nil, err
		}
		h.AddVariable(v.Name, []string{"t", "lat", "lon"}, []float32{0})
		h.AddAttribute(v.Name, "units", v.Units)
		h.AddAttribute(v.Name, "long_name", v.LongName)
		h.AddAttribute(v.Name, "standard_name", v.LongName)
		h.AddAttribute(v.Name, "FillValue", v.FillValueStr)
		h.AddAttribute(v.Name, "_FillValue", []float32{float32(v.FillValue)})
		h.AddAttribute(v.Name, "coordinates", "t geolat geolon")
	}
	h.Define()
	return h, nil
}

// createEmissionsFile creates a template emissions file at path,
// filling coordinate variables with their fill value and the first
// time index of each emission variable with its fill value. Only the
// root rank writes data; when running parallel the other ranks
// participate collectively by arriving here and doing nothing, which
// by construction yields the same file contents.
func createEmissionsFile(path string, shape [2]int, varNames []string, isDummy bool, io IOConfig) error {
	if !io.Root {
		return nil
	}
	h, err := emissionsHeader(shape, varNames, isDummy)
	if err != nil {
		return err
	}
	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("smokedust: while creating %s: %v", path, err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		return fmt.Errorf("smokedust: while creating %s: %v", path, err)
	}

	ncell := shape[0] * shape[1]
	coordFill := make([]float64, ncell)
	for i := range coordFill {
		coordFill[i] = -9999.0
	}
	for _, coord := range []string{"geolat", "geolon"} {
		if err := writeFloats(f, coord, []int{0, 0}, []int{shape[0], shape[1]}, coordFill); err != nil {
			return err
		}
	}
	zero := make([]float64, ncell)
	for _, name := range varNames {
		if err := writeFloats(f, name, []int{0, 0, 0}, []int{1, shape[0], shape[1]}, zero); err != nil {
			return err
		}
	}
	return cdf.UpdateNumRecs(ff)
}

// copyCoordinates fills the geolat/geolon variables of an emissions
// file from the grid_latt/grid_lont variables of a grid file.
func copyCoordinates(path, gridPath string) error {
	for _, pair := range [][2]string{{"geolat", "grid_latt"}, {"geolon", "grid_lont"}} {
		data, err := readVariable2D(gridPath, pair[1])
		if err != nil {
			return err
		}
		if err := writeVariable(path, pair[0], data); err != nil {
			return err
		}
	}
	return nil
}
