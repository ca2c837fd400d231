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
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
)

// The synthetic test grid: 5 rows by 10 columns anchored at
// (25N, 230E) with one-degree spacing.
const (
	testNy     = 5
	testNx     = 10
	testMinLon = 230.
	testMinLat = 25.
	testCDATE  = "2019072200"
)

func different(a, b, tolerance float64) bool {
	if 2*math.Abs(a-b)/math.Abs(a+b) > tolerance || math.IsNaN(a) || math.IsNaN(b) {
		return true
	}
	return false
}

// analytic evaluates a smooth reference field at a coordinate.
func analytic(lon, lat float64) float64 {
	const degToRad = math.Pi / 180.
	c := math.Cos(degToRad * lon)
	return 2.0 + c*c*math.Cos(2.0*degToRad*(90.0-lat))
}

// writeNCF creates a netCDF file at path from a defined header and
// a set of float64-valued variables written at their full extents.
func writeNCF(t *testing.T, path string, h *cdf.Header, vars map[string][]float64) {
	t.Helper()
	ff, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		t.Fatal(err)
	}
	for name, data := range vars {
		end := append([]int{}, f.Header.Lengths(name)...)
		if f.Header.IsRecordVariable(name) {
			n := 1
			for _, s := range end[1:] {
				n *= s
			}
			end[0] = len(data) / n
		}
		if err := writeFloats(f, name, make([]int, len(end)), end, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := cdf.UpdateNumRecs(ff); err != nil {
		t.Fatal(err)
	}
}

// readAll reads the full contents and shape of a variable for
// checking file contents.
func readAll(t *testing.T, path, name string) ([]float64, []int) {
	t.Helper()
	ff, f, err := openNC(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	vals, shape, err := readValues(ff, f, name)
	if err != nil {
		t.Fatal(err)
	}
	return vals, shape
}

// gridParams configures writeGridLike.
type gridParams struct {
	withCorners bool
	fields      []string
	ntime       int // 0 means no time axis
	constant    float64
	useConstant bool
}

// writeGridLike creates a RAVE/forecast-style grid file holding
// center coordinates, optional corner coordinates, and optional
// data fields. Field values follow the analytic reference field
// scaled by the one-based time index, or a constant when requested.
func writeGridLike(t *testing.T, path string, p gridParams) {
	t.Helper()
	dims := []string{"grid_yt", "grid_xt"}
	lengths := []int{testNy, testNx}
	if p.withCorners {
		dims = append(dims, "grid_y", "grid_x")
		lengths = append(lengths, testNy+1, testNx+1)
	}
	if p.ntime > 0 {
		dims = append(dims, "time")
		lengths = append(lengths, p.ntime)
	}
	h := cdf.NewHeader(dims, lengths)
	h.AddVariable("grid_lont", []string{"grid_yt", "grid_xt"}, []float32{0})
	h.AddVariable("grid_latt", []string{"grid_yt", "grid_xt"}, []float32{0})
	if p.withCorners {
		h.AddVariable("grid_lon", []string{"grid_y", "grid_x"}, []float32{0})
		h.AddVariable("grid_lat", []string{"grid_y", "grid_x"}, []float32{0})
	}
	fieldDims := []string{"grid_yt", "grid_xt"}
	if p.ntime > 0 {
		fieldDims = append([]string{"time"}, fieldDims...)
	}
	for _, name := range p.fields {
		h.AddVariable(name, fieldDims, []float32{0})
	}
	h.Define()

	ncell := testNy * testNx
	lonMesh := make([]float64, ncell)
	latMesh := make([]float64, ncell)
	for iy := 0; iy < testNy; iy++ {
		for ix := 0; ix < testNx; ix++ {
			lonMesh[iy*testNx+ix] = testMinLon + float64(ix)
			latMesh[iy*testNx+ix] = testMinLat + float64(iy)
		}
	}
	vars := map[string][]float64{"grid_lont": lonMesh, "grid_latt": latMesh}

	if p.withCorners {
		ncorner := (testNy + 1) * (testNx + 1)
		lonC := make([]float64, ncorner)
		latC := make([]float64, ncorner)
		for iy := 0; iy <= testNy; iy++ {
			for ix := 0; ix <= testNx; ix++ {
				lonC[iy*(testNx+1)+ix] = testMinLon + float64(ix) - 0.5
				latC[iy*(testNx+1)+ix] = testMinLat + float64(iy) - 0.5
			}
		}
		vars["grid_lon"] = lonC
		vars["grid_lat"] = latC
	}

	base := make([]float64, ncell)
	for j := range base {
		if p.useConstant {
			base[j] = p.constant
		} else {
			base[j] = analytic(lonMesh[j], latMesh[j])
		}
	}
	for _, name := range p.fields {
		if p.ntime > 0 {
			data := make([]float64, p.ntime*ncell)
			for ti := 0; ti < p.ntime; ti++ {
				for j := 0; j < ncell; j++ {
					data[ti*ncell+j] = float64(ti+1) * base[j]
				}
			}
			vars[name] = data
		} else {
			data := make([]float64, ncell)
			copy(data, base)
			vars[name] = data
		}
	}
	writeNCF(t, path, h, vars)
}

// writeConstant2D creates a file holding 2-D variables with
// constant values on the test grid dimensions.
func writeConstant2D(t *testing.T, path string, values map[string]float64) {
	t.Helper()
	h := cdf.NewHeader([]string{"grid_yt", "grid_xt"}, []int{testNy, testNx})
	for name := range values {
		h.AddVariable(name, []string{"grid_yt", "grid_xt"}, []float32{0})
	}
	h.Define()
	vars := make(map[string][]float64, len(values))
	for name, v := range values {
		data := make([]float64, testNy*testNx)
		for j := range data {
			data[j] = v
		}
		vars[name] = data
	}
	writeNCF(t, path, h, vars)
}

// writeIntpFile creates an interpolated RAVE file holding constant
// frp_avg_hr and FRE fields at one time step.
func writeIntpFile(t *testing.T, path string, frp, fre float64) {
	t.Helper()
	h := cdf.NewHeader([]string{"t", "lat", "lon"}, []int{0, testNy, testNx})
	h.AddVariable("frp_avg_hr", []string{"t", "lat", "lon"}, []float32{0})
	h.AddVariable("FRE", []string{"t", "lat", "lon"}, []float32{0})
	h.Define()
	ncell := testNy * testNx
	frpData := make([]float64, ncell)
	freData := make([]float64, ncell)
	for j := 0; j < ncell; j++ {
		frpData[j] = frp
		freData[j] = fre
	}
	writeNCF(t, path, h, map[string][]float64{"frp_avg_hr": frpData, "FRE": freData})
}

// writeRestartFile creates a forecast restart file holding the two
// expected accumulator variables with constant values.
func writeRestartFile(t *testing.T, path string, totprcp, hwp float64) {
	t.Helper()
	h := cdf.NewHeader([]string{"Time", "yaxis_1", "xaxis_1"}, []int{0, testNy, testNx})
	h.AddVariable("totprcp_ave", []string{"Time", "yaxis_1", "xaxis_1"}, []float32{0})
	h.AddVariable("rrfs_hwp_ave", []string{"Time", "yaxis_1", "xaxis_1"}, []float32{0})
	h.Define()
	ncell := testNy * testNx
	prcpData := make([]float64, ncell)
	hwpData := make([]float64, ncell)
	for j := 0; j < ncell; j++ {
		prcpData[j] = totprcp
		hwpData[j] = hwp
	}
	writeNCF(t, path, h, map[string][]float64{"totprcp_ave": prcpData, "rrfs_hwp_ave": hwpData})
}

// newTestContext builds a validated context rooted at dir with the
// standard test configuration. The destination grid file must
// already exist in dir.
func newTestContext(t *testing.T, dir string, modify func(*Config)) *Context {
	t.Helper()
	comin := filepath.Join(dir, testCDATE)
	raveDir := filepath.Join(dir, "rave")
	intpDir := filepath.Join(dir, "intp")
	for _, d := range []string{comin, raveDir, intpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("CDATE", testCDATE)
	t.Setenv("COMIN_SMOKE_DUST_COMMUNITY", comin)
	cfg := Config{
		StaticDir:       dir,
		RaveDir:         raveDir,
		IntpDir:         intpDir,
		PredefGrid:      RRFSConus3km,
		EbbDCycle:       EbbCycleTwo,
		RestartInterval: []int{6, 12, 18, 24},
		Persistence:     false,
		RaveQaFilter:    QaFilterNone,
		ExitOnError:     true,
		LogLevel:        LogDebug,
	}
	if modify != nil {
		modify(&cfg)
	}
	ctx, err := NewContext(cfg, Comm{Rank: 0, Size: 1})
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

// writeTestGridOut creates the destination grid file with constant
// coordinate and area values, as the forecast grid fixture.
func writeTestGridOut(t *testing.T, dir string) {
	t.Helper()
	writeConstant2D(t, filepath.Join(dir, "ds_out_base.nc"),
		map[string]float64{"area": 1, "grid_latt": 1, "grid_lont": 1})
}

// writeTestVegMap creates the vegetation map fixture with unit
// emission factors.
func writeTestVegMap(t *testing.T, dir string) {
	t.Helper()
	writeConstant2D(t, filepath.Join(dir, "veg_map.nc"), map[string]float64{"emiss_factor": 1})
}

// writeIntpFilesForDates creates constant interpolated files for
// every date in the cycle window.
func writeIntpFilesForDates(t *testing.T, ctx *Context, dates []string) {
	t.Helper()
	for _, date := range dates {
		writeIntpFile(t, ctx.IntpFilePath(date), 1, 1)
	}
}

// writeRawRaveFile creates a raw RAVE file for one hour in the
// configured RAVE directory: FRP given per cell, FRE constant, and
// optionally a constant QA flag field.
func writeRawRaveFile(t *testing.T, ctx *Context, date string, frp func(iy, ix int) float64,
	fre float64, qa float64) string {
	t.Helper()
	dims := []string{"time", "grid_yt", "grid_xt"}
	h := cdf.NewHeader(dims, []int{1, testNy, testNx})
	h.AddVariable("FRP_MEAN", dims, []float32{0})
	h.AddVariable("FRE", dims, []float32{0})
	if qa >= 0 {
		h.AddVariable("QA", dims, []float32{0})
	}
	h.Define()

	ncell := testNy * testNx
	frpData := make([]float64, ncell)
	freData := make([]float64, ncell)
	for iy := 0; iy < testNy; iy++ {
		for ix := 0; ix < testNx; ix++ {
			frpData[iy*testNx+ix] = frp(iy, ix)
			freData[iy*testNx+ix] = fre
		}
	}
	vars := map[string][]float64{"FRP_MEAN": frpData, "FRE": freData}
	if qa >= 0 {
		qaData := make([]float64, ncell)
		for j := range qaData {
			qaData[j] = qa
		}
		vars["QA"] = qaData
	}
	name := fmt.Sprintf("Hourly_Emissions_3km_%s_%s.nc", date, date)
	p := filepath.Join(ctx.RaveDir, name)
	writeNCF(t, p, h, vars)
	return p
}

// writeRestartFilesForDates creates constant restart files for
// every date in the cycle window.
func writeRestartFilesForDates(t *testing.T, ctx *Context, dates []string) {
	t.Helper()
	for _, date := range dates {
		restartDir := filepath.Join(ctx.HourlyHWPDir(), date, "RESTART")
		if err := os.MkdirAll(restartDir, 0o755); err != nil {
			t.Fatal(err)
		}
		name := fmt.Sprintf("%s.%s0000.phy_data.nc", date[:8], date[8:10])
		writeRestartFile(t, filepath.Join(restartDir, name), 1, 3)
	}
}
