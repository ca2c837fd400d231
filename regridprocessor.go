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

	"github.com/ctessum/sparse"
)

// rrfsGridSpec describes how grid metadata is laid out in both the
// RAVE source grid file and the forecast grid file.
var rrfsGridSpec = GridSpec{
	XCenter:    "grid_lont",
	YCenter:    "grid_latt",
	XDim:       []string{"grid_xt"},
	YDim:       []string{"grid_yt"},
	XCorner:    "grid_lon",
	YCorner:    "grid_lat",
	XCornerDim: []string{"grid_x"},
	YCornerDim: []string{"grid_y"},
}

// RegridProcessor regrids hourly RAVE data to the forecast grid,
// producing one interpolated file per hour that lacks one.
type RegridProcessor struct {
	ctx *Context

	// One source grid, one destination grid, and one regridder
	// are built per run and cached. The regridder cache key is
	// implicitly the first (source shape, destination shape)
	// pair requested; this is safe only because a single run
	// never regrids more than one shape pair.
	srcGrid       *Grid
	dstGrid       *Grid
	dstOutputGrid *Grid
	regridder     *Regridder

	stats []FieldStats
}

// NewRegridProcessor creates a regrid processor bound to ctx.
func NewRegridProcessor(ctx *Context) *RegridProcessor {
	return &RegridProcessor{ctx: ctx}
}

func (rp *RegridProcessor) sourceGrid() (*Grid, error) {
	if rp.srcGrid == nil {
		rp.ctx.Logger.Info("creating source grid from RAVE grid file")
		g, err := LoadGrid(rp.ctx.GridIn(), rrfsGridSpec, rp.ctx.Comm)
		if err != nil {
			return nil, err
		}
		rp.srcGrid = g
	}
	return rp.srcGrid, nil
}

func (rp *RegridProcessor) destinationGrid() (*Grid, error) {
	if rp.dstGrid == nil {
		rp.ctx.Logger.Info("creating destination grid from forecast grid file")
		g, err := LoadGrid(rp.ctx.GridOut(), rrfsGridSpec, rp.ctx.Comm)
		if err != nil {
			return nil, err
		}
		rp.dstGrid = g
	}
	return rp.dstGrid, nil
}

// outputGrid is the destination grid re-described with the output
// file's variable and dimension names, without corners.
func (rp *RegridProcessor) outputGrid() (*Grid, error) {
	if rp.dstOutputGrid == nil {
		dst, err := rp.destinationGrid()
		if err != nil {
			return nil, err
		}
		dims := make([]Dimension, len(dst.Dims.Value))
		copy(dims, dst.Dims.Value)
		for i := range dims {
			switch dims[i].Coord {
			case CoordY:
				dims[i].Name = []string{"lat"}
			case CoordX:
				dims[i].Name = []string{"lon"}
			}
		}
		dc, err := NewDimensionCollection(dims...)
		if err != nil {
			return nil, err
		}
		rp.dstOutputGrid = &Grid{
			XCenter: dst.XCenter,
			YCenter: dst.YCenter,
			Spec: GridSpec{
				XCenter: "geolon", YCenter: "geolat",
				XDim: []string{"lon"}, YDim: []string{"lat"},
			},
			Dims: dc,
		}
	}
	return rp.dstOutputGrid, nil
}

// getRegridder lazily builds the memoized regridder: conservative
// weights read from the fixed weight file, or computed in memory
// when requested or when the weight file is known to be unreadable
// for the configured grid.
func (rp *RegridProcessor) getRegridder(src, dst *Field) (*Regridder, error) {
	if rp.regridder != nil {
		return rp.regridder, nil
	}
	rp.ctx.Logger.Info("creating regridder")
	var rg *Regridder
	var err error
	if rp.ctx.PredefGrid == RRFSNA13km || rp.ctx.RegridInMemory {
		rp.ctx.Logger.Info("creating regridder in-memory")
		srcGrid, gerr := rp.sourceGrid()
		if gerr != nil {
			return nil, gerr
		}
		dstGrid, gerr := rp.destinationGrid()
		if gerr != nil {
			return nil, gerr
		}
		rg, err = NewRegridder(srcGrid, dstGrid)
	} else {
		rp.ctx.Logger.Info("creating regridder from file")
		rg, err = NewRegridderFromFile(rp.ctx.WeightFile(), src.SpatialSize(), dst.SpatialSize())
	}
	if err != nil {
		return nil, err
	}
	rp.regridder = rg
	return rg, nil
}

// Run interpolates every metadata row that has a raw RAVE file but
// no interpolated file, updating the rows in place with the new
// output paths. With nothing to interpolate it is a no-op.
func (rp *RegridProcessor) Run(meta CycleMetadata) error {
	needed := 0
	for _, row := range meta {
		if row.Interpolated == "" && row.Raw != "" {
			needed++
		}
	}
	if needed == 0 {
		rp.ctx.Logger.Info("all rave files have been interpolated")
		return nil
	}
	return rp.runImpl(meta)
}

func (rp *RegridProcessor) runImpl(meta CycleMetadata) error {
	outGrid, err := rp.outputGrid()
	if err != nil {
		return err
	}

	for i := range meta {
		row := &meta[i]
		if row.Interpolated != "" || row.Raw == "" {
			continue
		}
		rp.ctx.Logger.Infof("processing RAVE interpolation row: %d, %+v", i, *row)

		outPath := rp.ctx.IntpFilePath(row.ForecastDate)
		rp.ctx.Logger.Infof("creating output file: %s", outPath)
		err := createEmissionsFile(outPath, rp.ctx.GridOutShape, []string{"frp_avg_hr", "FRE"},
			false, IOConfig{Root: rp.ctx.Comm.Root()})
		if err != nil {
			return err
		}
		if rp.ctx.Comm.Root() {
			if err := writeVariable(outPath, "geolat", outGrid.YCenter); err != nil {
				return err
			}
			if err := writeVariable(outPath, "geolon", outGrid.XCenter); err != nil {
				return err
			}
		}

		if err := rp.regridHour(row, outPath); err != nil {
			return err
		}
		row.Interpolated = outPath

		if rp.ctx.Comm.Root() {
			if err := rp.postprocess(row); err != nil {
				return err
			}
		}
	}

	if rp.ctx.Comm.Root() && rp.ctx.ShouldCalcDescStats && len(rp.stats) > 0 {
		minDate, maxDate := meta[0].ForecastDate, meta[0].ForecastDate
		for _, row := range meta {
			if row.ForecastDate < minDate {
				minDate = row.ForecastDate
			}
			if row.ForecastDate > maxDate {
				maxDate = row.ForecastDate
			}
		}
		rp.ctx.Logger.Infof("writing interpolation statistics: %s",
			StatsFileName(minDate, maxDate))
		return WriteStatsCSV(rp.ctx.IntpDir, minDate, maxDate, rp.stats)
	}
	return nil
}

// regridHour regrids both emission variables of one raw RAVE file
// into the hourly output file.
func (rp *RegridProcessor) regridHour(row *CycleMetadataRow, outPath string) error {
	srcGrid, err := rp.sourceGrid()
	if err != nil {
		return err
	}
	outGrid, err := rp.outputGrid()
	if err != nil {
		return err
	}

	for _, fieldName := range rp.ctx.VarsEmis {
		var dstName string
		switch fieldName {
		case "FRP_MEAN":
			dstName = "frp_avg_hr"
		case "FRE":
			dstName = "FRE"
		default:
			return fmt.Errorf("smokedust: unknown emission variable %q", fieldName)
		}

		rp.ctx.Logger.Debug("creating destination field")
		dst, err := LoadField(outPath, dstName, outGrid, []string{"t"})
		if err != nil {
			return err
		}
		rp.ctx.Logger.Debug("creating source field")
		src, err := LoadField(row.Raw, fieldName, srcGrid, []string{"time"})
		if err != nil {
			return err
		}

		// Numeric pre-conditioning: the mean FRP field uses -1
		// as a missing sentinel, and FRE values at or below
		// 1000 are treated as a noise floor.
		switch fieldName {
		case "FRP_MEAN":
			for j, v := range src.Data.Elements {
				if v == -1.0 {
					src.Data.Elements[j] = 0
				}
			}
		case "FRE":
			for j, v := range src.Data.Elements {
				if !(v > 1000.0) {
					src.Data.Elements[j] = 0
				}
			}
		}

		if rp.ctx.RaveQaFilter == QaFilterHigh {
			qa, err := LoadField(row.Raw, "QA", srcGrid, []string{"time"})
			if err != nil {
				return err
			}
			zeroed := 0
			for j, v := range qa.Data.Elements {
				if v < 2 {
					src.Data.Elements[j] = 0
					zeroed++
				}
			}
			rp.ctx.Logger.Infof("RAVE QA filter applied: %s; %d of %d cells zeroed",
				rp.ctx.RaveQaFilter, zeroed, len(qa.Data.Elements))
		}

		rp.ctx.Logger.Debug("run regridding")
		rg, err := rp.getRegridder(src, dst)
		if err != nil {
			return err
		}
		if err := rg.Apply(src, dst); err != nil {
			return err
		}

		rp.ctx.Logger.Debug("filling netcdf")
		if err := writeVariable(outPath, dstName, dst.Data); err != nil {
			return err
		}
	}
	return nil
}

// postprocess masks the output file's perimeter cells in place and
// optionally accumulates descriptive statistics across the
// unmasked, masked, and source distributions.
func (rp *RegridProcessor) postprocess(row *CycleMetadataRow) error {
	rp.ctx.Logger.Debug("regrid postprocessing: enter")
	calcStats := rp.ctx.ShouldCalcDescStats

	dstNames := []string{"frp_avg_hr", "FRE"}
	dstData := make(map[string]*sparse.DenseArray, len(dstNames))
	for _, name := range dstNames {
		data, err := readVariable2D(row.Interpolated, name)
		if err != nil {
			return err
		}
		dstData[name] = data
	}

	if calcStats {
		// Sample before masking since the edge mask is in place.
		for _, name := range dstNames {
			fs := NewFieldStats(StatDstUnmasked, name, dstData[name])
			fs.Date = row.ForecastDate
			rp.stats = append(rp.stats, fs)
		}
	}

	rp.ctx.Logger.Debug("masking edges")
	for _, name := range dstNames {
		v, err := GetVariable(name)
		if err != nil {
			return err
		}
		if err := maskEdges(dstData[name], 1, v.FillValue); err != nil {
			return err
		}
	}

	shape := rp.ctx.GridOutShape
	for _, name := range dstNames {
		stacked := sparse.ZerosDense(1, shape[0], shape[1])
		copy(stacked.Elements, dstData[name].Elements)
		if err := writeVariable(row.Interpolated, name, stacked); err != nil {
			return err
		}
	}

	if calcStats {
		for _, fieldName := range rp.ctx.VarsEmis {
			data, err := readVariable2D(row.Raw, fieldName)
			if err != nil {
				return err
			}
			name := fieldName
			if fieldName == "FRP_MEAN" {
				name = "frp_avg_hr"
			}
			fs := NewFieldStats(StatSource, name, data)
			fs.Date = row.ForecastDate
			fs.Path = row.Raw
			rp.stats = append(rp.stats, fs)
		}
		for _, name := range dstNames {
			fs := NewFieldStats(StatDstMasked, name, dstData[name])
			fs.Date = row.ForecastDate
			fs.Path = row.Interpolated
			rp.stats = append(rp.stats, fs)
		}
	}

	rp.ctx.Logger.Debug("regrid postprocessing: exit")
	return nil
}
