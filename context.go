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
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PredefinedGrid identifies a forecast domain supported by the
// preprocessor.
type PredefinedGrid string

// The supported forecast domains.
const (
	RRFSConus25km PredefinedGrid = "RRFS_CONUS_25km"
	RRFSConus13km PredefinedGrid = "RRFS_CONUS_13km"
	RRFSConus3km  PredefinedGrid = "RRFS_CONUS_3km"
	RRFSNA3km     PredefinedGrid = "RRFS_NA_3km"
	RRFSNA13km    PredefinedGrid = "RRFS_NA_13km"
)

// ParsePredefinedGrid converts a string to a PredefinedGrid.
func ParsePredefinedGrid(s string) (PredefinedGrid, error) {
	switch g := PredefinedGrid(s); g {
	case RRFSConus25km, RRFSConus13km, RRFSConus3km, RRFSNA3km, RRFSNA13km:
		return g, nil
	}
	return "", fmt.Errorf("smokedust: invalid predefined grid %q", s)
}

// EbbDCycle selects the emission forecast cycle method. Cycle one
// estimates emissions and fire radiative power; cycle two
// additionally creates inputs for forecasting hourly wildfire
// potential.
type EbbDCycle string

const (
	EbbCycleOne EbbDCycle = "1"
	EbbCycleTwo EbbDCycle = "2"
)

// ParseEbbDCycle converts a string to an EbbDCycle.
func ParseEbbDCycle(s string) (EbbDCycle, error) {
	switch c := EbbDCycle(s); c {
	case EbbCycleOne, EbbCycleTwo:
		return c, nil
	}
	return "", fmt.Errorf("smokedust: invalid ebb_dcycle %q", s)
}

// RaveQaFilter is the quality-assurance flag filtering applied to
// input RAVE data. RAVE QA flag values range from one to three; at
// high strictness, values below 2 zero the derived fire radiative
// fields.
type RaveQaFilter string

const (
	QaFilterNone RaveQaFilter = "none"
	QaFilterHigh RaveQaFilter = "high"
)

// ParseRaveQaFilter converts a string to a RaveQaFilter.
func ParseRaveQaFilter(s string) (RaveQaFilter, error) {
	switch f := RaveQaFilter(s); f {
	case QaFilterNone, QaFilterHigh:
		return f, nil
	}
	return "", fmt.Errorf("smokedust: invalid rave_qa_filter %q", s)
}

// LogLevel is the preprocessor logging level.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogDebug LogLevel = "debug"
)

// ParseLogLevel converts a string to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch l := LogLevel(s); l {
	case LogInfo, LogDebug:
		return l, nil
	}
	return "", fmt.Errorf("smokedust: invalid log_level %q", s)
}

// Physical and unit-conversion constants for the biomass-burning
// emission rate calculation.
const (
	// Beta is the fraction of fire radiative energy converted to
	// smoke emissions.
	Beta = 0.3
	// FgToUg converts femtograms to micrograms.
	FgToUg = 1.0e6
	// SecondsPerHour converts hourly accumulations to rates.
	SecondsPerHour = 3600.
)

// cdateLayout is the forecast cycle timestamp format (yyyymmddhh).
const cdateLayout = "2006010215"

// Config holds the run parameters provided on the command line and
// through the environment.
type Config struct {
	StaticDir       string
	RaveDir         string
	IntpDir         string
	PredefGrid      PredefinedGrid
	EbbDCycle       EbbDCycle
	RestartInterval []int
	Persistence     bool
	RaveQaFilter    RaveQaFilter
	ExitOnError     bool
	LogLevel        LogLevel
	RegridInMemory  bool

	// CurrentDay is the forecast cycle date (yyyymmddhh). Read
	// from the CDATE environment variable when empty.
	CurrentDay string
	// NwgesDir is the directory containing restart files. Read
	// from the COMIN_SMOKE_DUST_COMMUNITY environment variable
	// when empty.
	NwgesDir string
}

// Context is the validated set of run parameters shared by the
// regrid and cycle components. It is read-only after construction.
type Context struct {
	Config

	Comm   Comm
	Logger logrus.FieldLogger

	// GridOutShape is the (y, x) shape of the forecast grid,
	// probed once from the destination grid file.
	GridOutShape [2]int

	// VarsEmis are the RAVE variable names regridded each hour.
	VarsEmis []string

	ShouldCalcDescStats bool
	AllowDummyRestart   bool
}

// ParseRestartInterval parses a space-separated list of restart
// interval hours, for example "6 12 18 24".
func ParseRestartInterval(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Fields(s) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("smokedust: invalid restart interval %q: %v", s, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("smokedust: empty restart interval %q", s)
	}
	return out, nil
}

func checkReadDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("smokedust: path does not exist: %s", path)
	}
	if !fi.IsDir() {
		return fmt.Errorf("smokedust: path is not a directory: %s", path)
	}
	if _, err := os.Open(path); err != nil {
		return fmt.Errorf("smokedust: path is not readable: %s", path)
	}
	return nil
}

func checkWriteDir(path string) error {
	if err := checkReadDir(path); err != nil {
		return err
	}
	probe, err := os.CreateTemp(path, ".smokedust-write-check-")
	if err != nil {
		return fmt.Errorf("smokedust: path is not writable: %s", path)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// NewContext validates cfg, reads environment fallbacks, probes the
// output grid shape, and builds the configured logger.
func NewContext(cfg Config, comm Comm) (*Context, error) {
	if cfg.CurrentDay == "" {
		cfg.CurrentDay = os.Getenv("CDATE")
	}
	if cfg.CurrentDay == "" {
		return nil, fmt.Errorf("smokedust: CDATE environment variable is not set")
	}
	if _, err := time.Parse(cdateLayout, cfg.CurrentDay); err != nil {
		return nil, fmt.Errorf("smokedust: invalid forecast date %q: %v", cfg.CurrentDay, err)
	}
	if cfg.NwgesDir == "" {
		cfg.NwgesDir = os.Getenv("COMIN_SMOKE_DUST_COMMUNITY")
	}
	if cfg.NwgesDir == "" {
		return nil, fmt.Errorf("smokedust: COMIN_SMOKE_DUST_COMMUNITY environment variable is not set")
	}

	for _, dir := range []string{cfg.StaticDir, cfg.RaveDir, cfg.NwgesDir} {
		if err := checkReadDir(dir); err != nil {
			return nil, err
		}
	}
	if err := checkWriteDir(cfg.IntpDir); err != nil {
		return nil, err
	}

	if _, err := ParsePredefinedGrid(string(cfg.PredefGrid)); err != nil {
		return nil, err
	}
	if _, err := ParseEbbDCycle(string(cfg.EbbDCycle)); err != nil {
		return nil, err
	}
	if _, err := ParseRaveQaFilter(string(cfg.RaveQaFilter)); err != nil {
		return nil, err
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if _, err := ParseLogLevel(string(cfg.LogLevel)); err != nil {
		return nil, err
	}
	if len(cfg.RestartInterval) == 0 {
		return nil, fmt.Errorf("smokedust: restart interval is not set")
	}

	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if cfg.LogLevel == LogDebug {
		logger.Level = logrus.DebugLevel
	} else {
		logger.Level = logrus.InfoLevel
	}

	ctx := &Context{
		Config:            cfg,
		Comm:              comm,
		Logger:            logger.WithField("rank", comm.Rank),
		VarsEmis:          []string{"FRP_MEAN", "FRE"},
		AllowDummyRestart: true,
	}

	ff, f, err := openNC(ctx.GridOut())
	if err != nil {
		return nil, fmt.Errorf("smokedust: while probing output grid shape: %v", err)
	}
	_, ny, yerr := fileDimension(f.Header, "grid_yt")
	_, nx, xerr := fileDimension(f.Header, "grid_xt")
	ff.Close()
	if yerr != nil {
		return nil, fmt.Errorf("smokedust: while probing output grid shape: %v", yerr)
	}
	if xerr != nil {
		return nil, fmt.Errorf("smokedust: while probing output grid shape: %v", xerr)
	}
	ctx.GridOutShape = [2]int{ny, nx}
	ctx.Logger.Infof("output grid shape: %v", ctx.GridOutShape)
	return ctx, nil
}

// VegMap is the path to the vegetation map file holding emission
// factors.
func (c *Context) VegMap() string { return filepath.Join(c.StaticDir, "veg_map.nc") }

// GridIn is the path to the grid definition for RAVE data.
func (c *Context) GridIn() string { return filepath.Join(c.StaticDir, "grid_in.nc") }

// WeightFile is the path to the precomputed conservative weights
// mapping the RAVE grid to the forecast grid.
func (c *Context) WeightFile() string { return filepath.Join(c.StaticDir, "weight_file.nc") }

// GridOut is the path to the forecast grid definition.
func (c *Context) GridOut() string { return filepath.Join(c.StaticDir, "ds_out_base.nc") }

// RaveToIntp is the file prefix for interpolated RAVE files.
func (c *Context) RaveToIntp() string { return string(c.PredefGrid) + "_intp_" }

// IntpFilePath is the path to the interpolated RAVE file for an
// hour (yyyymmddhh).
func (c *Context) IntpFilePath(date string) string {
	return filepath.Join(c.IntpDir, fmt.Sprintf("%s%s00_%s59.nc", c.RaveToIntp(), date, date))
}

// HourlyHWPDir is the root directory of the restart file tree.
func (c *Context) HourlyHWPDir() string { return filepath.Dir(c.NwgesDir) }

// EmissionsPath is the path to the output emissions file holding
// initial conditions for smoke and dust.
func (c *Context) EmissionsPath() string {
	return filepath.Join(c.IntpDir, fmt.Sprintf("SMOKE_RRFS_data_%s00.nc", c.CurrentDay))
}

// FcstDatetime is the forecast cycle start time.
func (c *Context) FcstDatetime() time.Time {
	t, err := time.Parse(cdateLayout, c.CurrentDay)
	if err != nil {
		// CurrentDay is validated during construction.
		panic(err)
	}
	return t
}

// dummyVariables are the derived variables written to a dummy
// emissions file.
var dummyVariables = []string{"frp_davg", "ebb_rate", "fire_end_hr", "hwp_davg", "totprcp_24hrs"}

// CreateDummyEmissionsFile writes a zero-filled emissions file
// flagged as dummy output. Used on the first forecast day and as
// the last-resort output when the run fails.
func (c *Context) CreateDummyEmissionsFile() error {
	c.Logger.Info("creating dummy emissions file: ", c.EmissionsPath())
	err := createEmissionsFile(c.EmissionsPath(), c.GridOutShape, dummyVariables, true,
		IOConfig{Root: true})
	if err != nil {
		return err
	}
	return copyCoordinates(c.EmissionsPath(), c.GridOut())
}

// LogError logs err and reports whether the caller should
// propagate it under the exit-on-error policy.
func (c *Context) LogError(err error) error {
	c.Logger.Error(err)
	if c.ExitOnError {
		return err
	}
	return nil
}
