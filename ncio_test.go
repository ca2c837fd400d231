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
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
)

func TestLoadGrid(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "grid.nc")
	writeGridLike(t, p, gridParams{withCorners: true})

	g, err := LoadGrid(p, rrfsGridSpec, Comm{})
	if err != nil {
		t.Fatal(err)
	}
	if shape := g.LocalShape(); shape != [2]int{testNy, testNx} {
		t.Fatalf("grid shape: got %v", shape)
	}
	for iy := 0; iy < testNy; iy++ {
		for ix := 0; ix < testNx; ix++ {
			wantLon := testMinLon + float64(ix)
			wantLat := testMinLat + float64(iy)
			if different(g.XCenter.Get(iy, ix), wantLon, 1e-4) {
				t.Errorf("lon(%d,%d): got %g want %g", iy, ix, g.XCenter.Get(iy, ix), wantLon)
			}
			if different(g.YCenter.Get(iy, ix), wantLat, 1e-4) {
				t.Errorf("lat(%d,%d): got %g want %g", iy, ix, g.YCenter.Get(iy, ix), wantLat)
			}
		}
	}
	if g.XCorner == nil || g.YCorner == nil {
		t.Fatal("corner coordinates not loaded")
	}
	if g.XCorner.Shape[0] != testNy+1 || g.XCorner.Shape[1] != testNx+1 {
		t.Errorf("corner shape: got %v", g.XCorner.Shape)
	}
	if different(g.XCorner.Get(0, 0), testMinLon-0.5, 1e-4) {
		t.Errorf("first corner lon: got %g", g.XCorner.Get(0, 0))
	}
	if different(g.YCorner.Get(testNy, 0), testMinLat+float64(testNy)-0.5, 1e-4) {
		t.Errorf("last corner lat: got %g", g.YCorner.Get(testNy, 0))
	}
}

func TestLoadGridDecomposed(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "grid.nc")
	writeGridLike(t, p, gridParams{withCorners: true})

	// Two ranks split the five rows into a block of three and a
	// block of two.
	for rank, wantRows := range map[int]int{0: 3, 1: 2} {
		g, err := LoadGrid(p, rrfsGridSpec, Comm{Rank: rank, Size: 2})
		if err != nil {
			t.Fatal(err)
		}
		if shape := g.LocalShape(); shape != [2]int{wantRows, testNx} {
			t.Errorf("rank %d shape: got %v, want %d rows", rank, shape, wantRows)
		}
		if g.YCorner.Shape[0] != wantRows+1 {
			t.Errorf("rank %d corner rows: got %d", rank, g.YCorner.Shape[0])
		}
	}
	// Rank 1's first row is the global row 3.
	g, err := LoadGrid(p, rrfsGridSpec, Comm{Rank: 1, Size: 2})
	if err != nil {
		t.Fatal(err)
	}
	if different(g.YCenter.Get(0, 0), testMinLat+3, 1e-4) {
		t.Errorf("rank 1 first lat: got %g", g.YCenter.Get(0, 0))
	}
}

func TestLoadFieldAxisOrder(t *testing.T) {
	// The on-disk axis order (y, x, time) must be transposed to
	// the in-memory order (time, y, x).
	dir := t.TempDir()
	p := filepath.Join(dir, "grid.nc")

	const nt = 3
	h := cdf.NewHeader([]string{"grid_yt", "grid_xt", "time"}, []int{testNy, testNx, nt})
	h.AddVariable("grid_lont", []string{"grid_yt", "grid_xt"}, []float32{0})
	h.AddVariable("grid_latt", []string{"grid_yt", "grid_xt"}, []float32{0})
	h.AddVariable("FRP_MEAN", []string{"grid_yt", "grid_xt", "time"}, []float32{0})
	h.Define()

	ncell := testNy * testNx
	lonMesh := make([]float64, ncell)
	latMesh := make([]float64, ncell)
	frp := make([]float64, ncell*nt)
	for iy := 0; iy < testNy; iy++ {
		for ix := 0; ix < testNx; ix++ {
			lon := testMinLon + float64(ix)
			lat := testMinLat + float64(iy)
			lonMesh[iy*testNx+ix] = lon
			latMesh[iy*testNx+ix] = lat
			for ti := 0; ti < nt; ti++ {
				frp[(iy*testNx+ix)*nt+ti] = float64(ti+1) * analytic(lon, lat)
			}
		}
	}
	writeNCF(t, p, h, map[string][]float64{
		"grid_lont": lonMesh, "grid_latt": latMesh, "FRP_MEAN": frp,
	})

	spec := GridSpec{
		XCenter: "grid_lont", YCenter: "grid_latt",
		XDim: []string{"grid_xt"}, YDim: []string{"grid_yt"},
	}
	g, err := LoadGrid(p, spec, Comm{})
	if err != nil {
		t.Fatal(err)
	}
	f, err := LoadField(p, "FRP_MEAN", g, []string{"time"})
	if err != nil {
		t.Fatal(err)
	}
	if f.NTime() != nt {
		t.Fatalf("NTime: got %d want %d", f.NTime(), nt)
	}
	for ti := 0; ti < nt; ti++ {
		for iy := 0; iy < testNy; iy++ {
			for ix := 0; ix < testNx; ix++ {
				want := float64(ti+1) * analytic(testMinLon+float64(ix), testMinLat+float64(iy))
				if got := f.Data.Get(ti, iy, ix); different(got, want, 1e-4) {
					t.Fatalf("FRP_MEAN(%d,%d,%d): got %g want %g", ti, iy, ix, got, want)
				}
			}
		}
	}
}

func TestCreateEmissionsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "emissions.nc")
	shape := [2]int{testNy, testNx}
	err := createEmissionsFile(p, shape, dummyVariables, true, IOConfig{Root: true})
	if err != nil {
		t.Fatal(err)
	}

	ff, f, err := openNC(p)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	attrs := map[string]string{
		"PRODUCT_ALGORITHM_VERSION": "Beta",
		"TIME_RANGE":                "1 hour",
		"is_dummy":                  "True",
	}
	for name, want := range attrs {
		got, ok := f.Header.GetAttribute("", name).(string)
		if !ok || got != want {
			t.Errorf("attribute %s: got %q want %q", name, got, want)
		}
	}
	got, ok := f.Header.GetAttribute("ebb_rate", "coordinates").(string)
	if !ok || got != "t geolat geolon" {
		t.Errorf("ebb_rate coordinates: got %q", got)
	}

	coords, _ := readAll(t, p, "geolat")
	for j, v := range coords {
		if v != -9999.0 {
			t.Fatalf("geolat[%d]: got %g, want fill value", j, v)
		}
	}
	for _, name := range dummyVariables {
		vals, varShape := readAll(t, p, name)
		if len(varShape) != 3 || varShape[0] != 1 {
			t.Fatalf("%s shape: got %v", name, varShape)
		}
		for j, v := range vals {
			if v != 0 {
				t.Fatalf("%s[%d]: got %g, want 0", name, j, v)
			}
		}
	}

	// A non-root rank creates nothing.
	p2 := filepath.Join(dir, "norank.nc")
	if err := createEmissionsFile(p2, shape, dummyVariables, true, IOConfig{Root: false}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := openNC(p2); err == nil {
		t.Error("non-root rank created a file")
	}
}

func TestWriteVariableRoundtrip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "emissions.nc")
	shape := [2]int{testNy, testNx}
	err := createEmissionsFile(p, shape, []string{"frp_avg_hr", "ebb_smoke_hr"}, false,
		IOConfig{Root: true})
	if err != nil {
		t.Fatal(err)
	}

	const nt = 24
	data := sparse.ZerosDense(nt, testNy, testNx)
	for j := range data.Elements {
		data.Elements[j] = float64(j % 7)
	}
	if err := writeVariable(p, "frp_avg_hr", data); err != nil {
		t.Fatal(err)
	}

	vals, varShape := readAll(t, p, "frp_avg_hr")
	if len(varShape) != 3 || varShape[0] != nt {
		t.Fatalf("record count: got shape %v want %d records", varShape, nt)
	}
	for j, v := range vals {
		if want := float64(j % 7); v != want {
			t.Fatalf("frp_avg_hr[%d]: got %g want %g", j, v, want)
		}
	}

	back, err := readVariable2D(p, "frp_avg_hr")
	if err != nil {
		t.Fatal(err)
	}
	if back.Shape[0] != testNy || back.Shape[1] != testNx {
		t.Fatalf("readVariable2D shape: got %v", back.Shape)
	}
	// readVariable2D returns the first time slab only.
	for j, v := range back.Elements {
		if want := float64(j % 7); v != want {
			t.Fatalf("first slab [%d]: got %g want %g", j, v, want)
		}
	}
}

func TestCopyCoordinates(t *testing.T) {
	dir := t.TempDir()
	gridPath := filepath.Join(dir, "grid.nc")
	writeGridLike(t, gridPath, gridParams{})
	p := filepath.Join(dir, "emissions.nc")
	err := createEmissionsFile(p, [2]int{testNy, testNx}, dummyVariables, true, IOConfig{Root: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := copyCoordinates(p, gridPath); err != nil {
		t.Fatal(err)
	}
	lats, _ := readAll(t, p, "geolat")
	lons, _ := readAll(t, p, "geolon")
	for iy := 0; iy < testNy; iy++ {
		for ix := 0; ix < testNx; ix++ {
			j := iy*testNx + ix
			if different(lats[j], testMinLat+float64(iy), 1e-4) {
				t.Fatalf("geolat[%d]: got %g", j, lats[j])
			}
			if different(lons[j], testMinLon+float64(ix), 1e-4) {
				t.Fatalf("geolon[%d]: got %g", j, lons[j])
			}
		}
	}
}

func TestFileVariables(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "restart.nc")
	writeRestartFile(t, p, 1, 3)
	names, err := fileVariables(p)
	if err != nil {
		t.Fatal(err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, want := range expectedRestartVars {
		if !have[want] {
			t.Errorf("variable %s missing from %v", want, names)
		}
	}
}
