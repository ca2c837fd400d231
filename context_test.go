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
	"time"
)

func TestParseRestartInterval(t *testing.T) {
	got, err := ParseRestartInterval("6 12 18 24")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{6, 12, 18, 24}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if _, err := ParseRestartInterval(""); err == nil {
		t.Error("expected error for empty interval")
	}
	if _, err := ParseRestartInterval("6 twelve"); err == nil {
		t.Error("expected error for non-numeric interval")
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParsePredefinedGrid("RRFS_NA_13km"); err != nil {
		t.Error(err)
	}
	if _, err := ParsePredefinedGrid("RRFS_MOON_1km"); err == nil {
		t.Error("expected error for unknown grid")
	}
	if _, err := ParseEbbDCycle("3"); err == nil {
		t.Error("expected error for unknown cycle")
	}
	if _, err := ParseRaveQaFilter("medium"); err == nil {
		t.Error("expected error for unknown QA filter")
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestNewContext(t *testing.T) {
	dir := t.TempDir()
	writeTestGridOut(t, dir)
	ctx := newTestContext(t, dir, nil)

	if ctx.GridOutShape != [2]int{testNy, testNx} {
		t.Errorf("grid shape: got %v", ctx.GridOutShape)
	}
	if ctx.CurrentDay != testCDATE {
		t.Errorf("current day: got %q", ctx.CurrentDay)
	}
	want := time.Date(2019, 7, 22, 0, 0, 0, 0, time.UTC)
	if !ctx.FcstDatetime().Equal(want) {
		t.Errorf("forecast datetime: got %v", ctx.FcstDatetime())
	}
	if !ctx.AllowDummyRestart {
		t.Error("dummy restart should be allowed by default")
	}
}

func TestNewContextBadDate(t *testing.T) {
	dir := t.TempDir()
	writeTestGridOut(t, dir)
	t.Setenv("CDATE", "not-a-date")
	t.Setenv("COMIN_SMOKE_DUST_COMMUNITY", dir)
	_, err := NewContext(Config{
		StaticDir: dir, RaveDir: dir, IntpDir: dir,
		PredefGrid: RRFSConus3km, EbbDCycle: EbbCycleTwo,
		RestartInterval: []int{6}, RaveQaFilter: QaFilterNone,
	}, Comm{})
	if err == nil {
		t.Error("expected error for invalid forecast date")
	}
}

func TestNewContextMissingDir(t *testing.T) {
	dir := t.TempDir()
	writeTestGridOut(t, dir)
	t.Setenv("CDATE", testCDATE)
	t.Setenv("COMIN_SMOKE_DUST_COMMUNITY", dir)
	_, err := NewContext(Config{
		StaticDir: dir, RaveDir: filepath.Join(dir, "nonexistent"), IntpDir: dir,
		PredefGrid: RRFSConus3km, EbbDCycle: EbbCycleTwo,
		RestartInterval: []int{6}, RaveQaFilter: QaFilterNone,
	}, Comm{})
	if err == nil {
		t.Error("expected error for missing RAVE directory")
	}
}

func TestContextPaths(t *testing.T) {
	dir := t.TempDir()
	writeTestGridOut(t, dir)
	ctx := newTestContext(t, dir, nil)

	if got, want := ctx.IntpFilePath("2019072123"),
		filepath.Join(dir, "intp", "RRFS_CONUS_3km_intp_201907212300_201907212359.nc"); got != want {
		t.Errorf("interpolated path: got %q want %q", got, want)
	}
	if got, want := ctx.EmissionsPath(),
		filepath.Join(dir, "intp", "SMOKE_RRFS_data_201907220000.nc"); got != want {
		t.Errorf("emissions path: got %q want %q", got, want)
	}
	if got := ctx.HourlyHWPDir(); got != dir {
		t.Errorf("restart root: got %q want %q", got, dir)
	}
	if got, want := ctx.WeightFile(), filepath.Join(dir, "weight_file.nc"); got != want {
		t.Errorf("weight file: got %q want %q", got, want)
	}
}

func TestCreateDummyEmissionsFile(t *testing.T) {
	dir := t.TempDir()
	writeTestGridOut(t, dir)
	ctx := newTestContext(t, dir, nil)

	if err := ctx.CreateDummyEmissionsFile(); err != nil {
		t.Fatal(err)
	}
	ff, f, err := openNC(ctx.EmissionsPath())
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	if got, _ := f.Header.GetAttribute("", "is_dummy").(string); got != "True" {
		t.Errorf("is_dummy: got %q want True", got)
	}
	// Coordinates are copied from the forecast grid, which the
	// fixture fills with ones.
	lats, _ := readAll(t, ctx.EmissionsPath(), "geolat")
	for j, v := range lats {
		if v != 1 {
			t.Fatalf("geolat[%d]: got %g want 1", j, v)
		}
	}
	for _, name := range dummyVariables {
		vals, _ := readAll(t, ctx.EmissionsPath(), name)
		for j, v := range vals {
			if v != 0 {
				t.Fatalf("%s[%d]: got %g want 0", name, j, v)
			}
		}
	}
}

func TestLogError(t *testing.T) {
	dir := t.TempDir()
	writeTestGridOut(t, dir)

	ctx := newTestContext(t, dir, nil)
	if err := ctx.LogError(ErrNoRestartFiles); err == nil {
		t.Error("exit-on-error policy should propagate the error")
	}

	ctx = newTestContext(t, dir, func(c *Config) { c.ExitOnError = false })
	if err := ctx.LogError(ErrNoRestartFiles); err != nil {
		t.Error("error propagated despite exit-on-error being off")
	}
}
