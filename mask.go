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
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/GaryBoone/GoStats/stats"
	"github.com/ctessum/sparse"
)

// maskEdges sets the outermost width cells of a two-dimensional
// array to fill, in place. A width less than one is a no-op.
func maskEdges(data *sparse.DenseArray, width int, fill float64) error {
	if len(data.Shape) != 2 {
		return &ShapeError{Want: []int{-1, -1}, Got: data.Shape}
	}
	if width < 1 {
		return nil
	}
	ny, nx := data.Shape[0], data.Shape[1]
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			if iy < width || iy >= ny-width || ix < width || ix >= nx-width {
				// Assign directly: DenseArray.Set silently ignores
				// zero values, but zero is a valid fill here.
				data.Elements[data.Index1d(iy, ix)] = fill
			}
		}
	}
	return nil
}

// StatOrigin labels where in the regridding pipeline a statistics
// row was sampled.
type StatOrigin string

const (
	StatSource      StatOrigin = "src"
	StatDstUnmasked StatOrigin = "dst_unmasked"
	StatDstMasked   StatOrigin = "dst_masked"
	StatDerived     StatOrigin = "derived"
)

// FieldStats holds descriptive statistics for one field at one
// pipeline stage. NaN values are excluded from the moments and
// counted separately.
type FieldStats struct {
	Origin    StatOrigin
	Name      string
	Date      string
	Path      string
	Count     int
	NullCount int
	Mean      float64
	Std       float64
	Min       float64
	Max       float64
	Sum       float64
}

// NewFieldStats computes descriptive statistics over all elements of
// data.
func NewFieldStats(origin StatOrigin, name string, data *sparse.DenseArray) FieldStats {
	var d stats.Stats
	nulls := 0
	for _, v := range data.Elements {
		if math.IsNaN(v) {
			nulls++
			continue
		}
		d.Update(v)
	}
	fs := FieldStats{
		Origin:    origin,
		Name:      name,
		Count:     d.Count(),
		NullCount: nulls,
	}
	if d.Count() > 0 {
		fs.Mean = d.Mean()
		fs.Min = d.Min()
		fs.Max = d.Max()
		fs.Sum = d.Sum()
	}
	if d.Count() > 1 {
		fs.Std = d.SampleStandardDeviation()
	}
	return fs
}

// StatsFileName is the name of the statistics report for a cycle
// spanning [minDate, maxDate], formatted as yyyymmddhh.
func StatsFileName(minDate, maxDate string) string {
	return fmt.Sprintf("stats_regridding_%s_%s.csv", minDate, maxDate)
}

// WriteStatsCSV writes the collected statistics rows to a CSV file
// in dir, named by StatsFileName.
func WriteStatsCSV(dir, minDate, maxDate string, rows []FieldStats) error {
	path := filepath.Join(dir, StatsFileName(minDate, maxDate))
	ff, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("smokedust: while writing statistics %s: %v", path, err)
	}
	defer ff.Close()

	w := csv.NewWriter(ff)
	if err := w.Write([]string{"origin", "variable", "forecast_date", "path",
		"count", "null_count", "mean", "std", "min", "max", "sum"}); err != nil {
		return err
	}
	g := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, r := range rows {
		err := w.Write([]string{
			string(r.Origin), r.Name, r.Date, r.Path,
			strconv.Itoa(r.Count), strconv.Itoa(r.NullCount),
			g(r.Mean), g(r.Std), g(r.Min), g(r.Max), g(r.Sum),
		})
		if err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("smokedust: while writing statistics %s: %v", path, err)
	}
	return nil
}
