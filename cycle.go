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
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ctessum/sparse"
	"github.com/gonum/floats"
)

// ErrNoRestartFiles reports that no usable forecast restart files
// were found for the cycle window.
var ErrNoRestartFiles = errors.New("smokedust: no restart files found")

// cycleHours is the length of the rolling source-data window.
const cycleHours = 24

// CycleMetadataRow records per-hour source data availability: the
// hour itself, the resolved path to an already-interpolated RAVE
// file, and the path to a raw RAVE file. Empty strings mean the
// file was not found.
type CycleMetadataRow struct {
	ForecastDate string
	Interpolated string
	Raw          string
}

// CycleMetadata holds one row per hour of the cycle window.
type CycleMetadata []CycleMetadataRow

// IsFirstDay reports whether no source data exists at all: every
// row has neither an interpolated nor a raw file.
func (m CycleMetadata) IsFirstDay() bool {
	for _, row := range m {
		if row.Interpolated != "" || row.Raw != "" {
			return false
		}
	}
	return true
}

// resolveRegularFile resolves symlinks in path and reports whether
// the result is an existing regular file.
func resolveRegularFile(p string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", false
	}
	fi, err := os.Stat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return resolved, true
}

// cycleDateRange formats the window's hourly timestamps beginning
// at start.
func cycleDateRange(start time.Time) []string {
	dates := make([]string, cycleHours)
	for i := range dates {
		dates[i] = start.Add(time.Duration(i) * time.Hour).Format(cdateLayout)
	}
	return dates
}

// buildCycleMetadata determines per-hour availability of
// interpolated and raw RAVE files. It reads the filesystem but
// never mutates it, and is idempotent against an unchanged
// filesystem.
func buildCycleMetadata(ctx *Context, dates []string) (CycleMetadata, error) {
	entries, err := os.ReadDir(ctx.RaveDir)
	if err != nil {
		return nil, fmt.Errorf("smokedust: while listing RAVE directory: %v", err)
	}

	meta := make(CycleMetadata, 0, len(dates))
	for _, date := range dates {
		row := CycleMetadataRow{ForecastDate: date}

		if resolved, ok := resolveRegularFile(ctx.IntpFilePath(date)); ok {
			row.Interpolated = resolved
		}

		// Two naming conventions exist for raw RAVE files: the
		// forecast convention and the retrospective archive
		// convention.
		patterns := []string{
			fmt.Sprintf("*-3km*%s*%s59590*.nc", date, date),
			fmt.Sprintf("*3km*%s*%s*.nc", date, date),
		}
		for _, e := range entries {
			matched := false
			for _, pat := range patterns {
				ok, err := path.Match(pat, e.Name())
				if err != nil {
					return nil, err
				}
				if ok {
					matched = true
					break
				}
			}
			if matched {
				row.Raw = filepath.Join(ctx.RaveDir, e.Name())
				break
			}
		}
		meta = append(meta, row)
	}
	return meta, nil
}

// CycleProcessor derives the initial-condition emissions file for
// one forecast cycle variant.
type CycleProcessor interface {
	// Flag is the cycle flag associated with the processor.
	Flag() EbbDCycle
	// StartDatetime is the start of the source-data window.
	StartDatetime() time.Time
	// CycleDates returns the window's hourly timestamps.
	CycleDates() []string
	// CycleMetadata returns per-hour source availability, built
	// lazily once and cached.
	CycleMetadata() (CycleMetadata, error)
	// Run writes the emissions initial-condition file.
	Run() error
}

// NewCycleProcessor creates the cycle processor selected by the
// configured cycle flag.
func NewCycleProcessor(ctx *Context) (CycleProcessor, error) {
	switch ctx.EbbDCycle {
	case EbbCycleOne:
		p := &CycleOne{cycleBase: cycleBase{ctx: ctx}}
		p.start = p.StartDatetime
		return p, nil
	case EbbCycleTwo:
		p := &CycleTwo{cycleBase: cycleBase{ctx: ctx}}
		p.start = p.StartDatetime
		return p, nil
	}
	return nil, fmt.Errorf("smokedust: unknown ebb_dcycle %q", ctx.EbbDCycle)
}

// cycleBase carries the lazily-built, cached cycle dates and
// metadata shared by both processor variants.
type cycleBase struct {
	ctx      *Context
	start    func() time.Time
	dates    []string
	metadata CycleMetadata
}

func (b *cycleBase) CycleDates() []string {
	if b.dates == nil {
		start := b.start()
		b.ctx.Logger.Infof("cycle window starts at %s", start.Format(cdateLayout))
		b.dates = cycleDateRange(start)
	}
	return b.dates
}

func (b *cycleBase) CycleMetadata() (CycleMetadata, error) {
	if b.metadata == nil {
		b.ctx.Logger.Info("creating forecast metadata")
		meta, err := buildCycleMetadata(b.ctx, b.CycleDates())
		if err != nil {
			return nil, err
		}
		b.metadata = meta
	}
	return b.metadata, nil
}

// loadDerivationInputs reads the emission factor map and the
// forecast grid cell areas.
func (b *cycleBase) loadDerivationInputs() (emissFactor, area *sparse.DenseArray, err error) {
	emissFactor, err = readVariable2D(b.ctx.VegMap(), "emiss_factor")
	if err != nil {
		return nil, nil, err
	}
	area, err = readVariable2D(b.ctx.GridOut(), "area")
	if err != nil {
		return nil, nil, err
	}
	return emissFactor, area, nil
}

// readInterpolatedPair reads the FRE and FRP fields at the first
// time index of an interpolated RAVE file.
func readInterpolatedPair(p string) (fre, frp *sparse.DenseArray, err error) {
	fre, err = readVariable2D(p, "FRE")
	if err != nil {
		return nil, nil, err
	}
	frp, err = readVariable2D(p, "frp_avg_hr")
	if err != nil {
		return nil, nil, err
	}
	return fre, frp, nil
}

// CycleOne creates initial conditions consisting of fire radiative
// power and smoke emissions from biomass burning, resolved hourly
// across the cycle window.
type CycleOne struct {
	cycleBase
}

// Flag implements CycleProcessor.
func (p *CycleOne) Flag() EbbDCycle { return EbbCycleOne }

// StartDatetime implements CycleProcessor. With persistence
// enabled, satellite detections from the previous day are used.
func (p *CycleOne) StartDatetime() time.Time {
	if p.ctx.Persistence {
		p.ctx.Logger.Info("creating emissions for persistence method where satellite FRP persist from previous day")
		return p.ctx.FcstDatetime().AddDate(0, 0, -1)
	}
	p.ctx.Logger.Info("creating emissions using current date satellite FRP")
	return p.ctx.FcstDatetime()
}

// averageFRP computes the time-stacked hourly FRP and biomass
// burning emission rate fields.
func (p *CycleOne) averageFRP() (frpStack, ebbStack *sparse.DenseArray, err error) {
	emissFactor, area, err := p.loadDerivationInputs()
	if err != nil {
		return nil, nil, err
	}
	meta, err := p.CycleMetadata()
	if err != nil {
		return nil, nil, err
	}

	shape := p.ctx.GridOutShape
	ncell := shape[0] * shape[1]
	frpStack = sparse.ZerosDense(len(meta), shape[0], shape[1])
	ebbStack = sparse.ZerosDense(len(meta), shape[0], shape[1])

	for i, row := range meta {
		p.ctx.Logger.Infof("processing emissions: %d, %+v", i, row)
		fre, frp, err := readInterpolatedPair(row.Interpolated)
		if err != nil {
			return nil, nil, err
		}
		frpSlab := frpStack.Elements[i*ncell : (i+1)*ncell]
		ebbSlab := ebbStack.Elements[i*ncell : (i+1)*ncell]
		for j := 0; j < ncell; j++ {
			v := frp.Elements[j]
			if math.IsNaN(v) {
				v = 0
			}
			frpSlab[j] = v
			if frp.Elements[j] > 0 {
				ebbSlab[j] = fre.Elements[j] * emissFactor.Elements[j] * Beta * FgToUg /
					(area.Elements[j] * SecondsPerHour)
			}
		}
	}
	return frpStack, ebbStack, nil
}

// Run implements CycleProcessor: it writes the 24-hour emissions
// file holding the time-stacked FRP and emission rate fields.
func (p *CycleOne) Run() error {
	frpStack, ebbStack, err := p.averageFRP()
	if err != nil {
		return err
	}
	out := p.ctx.EmissionsPath()
	p.ctx.Logger.Infof("creating 24-hour emissions file: %s", out)
	err = createEmissionsFile(out, p.ctx.GridOutShape, []string{"frp_avg_hr", "ebb_smoke_hr"},
		false, IOConfig{Root: true})
	if err != nil {
		return err
	}
	if err := copyCoordinates(out, p.ctx.GridOut()); err != nil {
		return err
	}
	if err := writeVariable(out, "frp_avg_hr", frpStack); err != nil {
		return err
	}
	return writeVariable(out, "ebb_smoke_hr", ebbStack)
}

// CycleTwo additionally creates initial conditions for forecasting
// hourly wildfire potential from forecast restart files, producing
// daily-averaged rather than time-stacked outputs.
type CycleTwo struct {
	cycleBase
}

// expectedRestartVars must both be present for a restart file to be
// accepted.
var expectedRestartVars = []string{"totprcp_ave", "rrfs_hwp_ave"}

// Flag implements CycleProcessor.
func (p *CycleTwo) Flag() EbbDCycle { return EbbCycleTwo }

// StartDatetime implements CycleProcessor. The window covers a
// 24-hour accumulation period ending one hour before the forecast
// start.
func (p *CycleTwo) StartDatetime() time.Time {
	p.ctx.Logger.Info("creating emissions for modulated persistence by wildfire potential")
	return p.ctx.FcstDatetime().Add(-25 * time.Hour)
}

// findRestartFiles locates forecast restart files for the cycle
// window. A file is accepted only if it resolves to an existing
// regular file and contains both expected restart variables; a
// filename is never accepted twice.
func (p *CycleTwo) findRestartFiles() ([]string, error) {
	rootDir := p.ctx.HourlyHWPDir()
	p.ctx.Logger.Infof("searching for restart files under %s", rootDir)

	candidates := make(map[string]bool)
	for _, cycle := range p.CycleDates() {
		candidates[fmt.Sprintf("%s.%s0000.phy_data.nc", cycle[:8], cycle[8:10])] = true
	}

	taken := make(map[string]bool)
	var found []string
	for _, cycle := range p.CycleDates() {
		restartDir := filepath.Join(rootDir, cycle, "RESTART")
		if fi, err := os.Stat(restartDir); err != nil || !fi.IsDir() {
			continue
		}
		err := filepath.Walk(restartDir, func(fp string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			name := filepath.Base(fp)
			if ok, _ := path.Match("*phy_data*nc", name); !ok {
				return nil
			}
			if !candidates[name] || taken[name] {
				return nil
			}
			resolved, ok := resolveRegularFile(fp)
			if !ok {
				p.ctx.Logger.Warnf("restart file link not resolvable: %s", fp)
				return nil
			}
			varNames, err := fileVariables(resolved)
			if err != nil {
				return err
			}
			have := make(map[string]bool, len(varNames))
			for _, v := range varNames {
				have[v] = true
			}
			for _, want := range expectedRestartVars {
				if !have[want] {
					return nil
				}
			}
			p.ctx.Logger.Debugf("found restart path %s", fp)
			found = append(found, fp)
			taken[name] = true
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("smokedust: while searching restart files: %v", err)
		}
	}
	return found, nil
}

// averageFRP computes the daily-average FRP and emission rate
// fields. The 24-hour sums are divided by the per-cell count of
// hours with a nonzero emission rate; a count of one divides by two
// and a count of zero keeps the bare sum. These degenerate-case
// policies are intentional and match the operational product.
func (p *CycleTwo) averageFRP() (frpAvg, ebbTotal *sparse.DenseArray, err error) {
	p.ctx.Logger.Info("average_frp: entering")
	emissFactor, area, err := p.loadDerivationInputs()
	if err != nil {
		return nil, nil, err
	}
	meta, err := p.CycleMetadata()
	if err != nil {
		return nil, nil, err
	}

	shape := p.ctx.GridOutShape
	ncell := shape[0] * shape[1]
	frpDaily := make([]float64, ncell)
	ebbSum := make([]float64, ncell)
	counts := make([]int, ncell)
	frpPos := make([]float64, ncell)

	for i, row := range meta {
		p.ctx.Logger.Infof("processing emissions: %d, %+v", i, row)
		fre, frp, err := readInterpolatedPair(row.Interpolated)
		if err != nil {
			return nil, nil, err
		}
		for j := 0; j < ncell; j++ {
			frpPos[j] = 0
			if frp.Elements[j] > 0 {
				ebbHourly := fre.Elements[j] * emissFactor.Elements[j] * Beta * FgToUg /
					area.Elements[j]
				ebbSum[j] += ebbHourly
				if ebbHourly != 0 {
					counts[j]++
				}
				frpPos[j] = frp.Elements[j]
			}
		}
		floats.Add(frpDaily, frpPos)
	}

	dailyAverage := func(sums []float64) []float64 {
		out := make([]float64, len(sums))
		for j, s := range sums {
			switch counts[j] {
			case 0:
				out[j] = s
			case 1:
				out[j] = s / 2
			default:
				out[j] = s / float64(counts[j])
			}
		}
		return out
	}

	ebbAvg := dailyAverage(ebbSum)
	floats.Scale(1/SecondsPerHour, ebbAvg)
	ebbTotal = sparse.ZerosDense(shape[0], shape[1])
	copy(ebbTotal.Elements, ebbAvg)

	frpVals := dailyAverage(frpDaily)
	for j, v := range frpVals {
		if math.IsNaN(v) {
			frpVals[j] = 0
		}
	}
	frpAvg = sparse.ZerosDense(shape[0], shape[1])
	copy(frpAvg.Elements, frpVals)

	p.ctx.Logger.Info("average_frp: exiting")
	return frpAvg, ebbTotal, nil
}

// fireEndHours computes, per cell, the hours elapsed between the
// forecast start and the most recent in-window hour with positive
// FRP, or zero when no fire was detected.
func (p *CycleTwo) fireEndHours(meta CycleMetadata) (*sparse.DenseArray, error) {
	shape := p.ctx.GridOutShape
	ncell := shape[0] * shape[1]
	tFire := make([]string, ncell)

	for _, row := range meta {
		frp, err := readVariable2D(p.ctx.IntpFilePath(row.ForecastDate), "frp_avg_hr")
		if err != nil {
			return nil, err
		}
		for j := 0; j < ncell; j++ {
			if frp.Elements[j] > 0 && row.ForecastDate > tFire[j] {
				tFire[j] = row.ForecastDate
			}
		}
	}

	fcst := p.ctx.FcstDatetime()
	out := sparse.ZerosDense(shape[0], shape[1])
	for j, date := range tFire {
		if date == "" {
			continue
		}
		end, err := time.Parse(cdateLayout, date)
		if err != nil {
			return nil, err
		}
		out.Elements[j] = fcst.Sub(end).Hours()
	}
	return out, nil
}

// Run implements CycleProcessor. The restart state machine: locate
// restart files; with none found either fall back to dummy output
// or fail; otherwise accumulate precipitation, average wildfire
// potential, derive the daily FRP and emission rate fields, derive
// fire duration, clip, apply the shared emission mask, and write.
func (p *CycleTwo) Run() error {
	p.ctx.Logger.Info("run: enter")

	meta, err := p.CycleMetadata()
	if err != nil {
		return err
	}

	restartPaths, err := p.findRestartFiles()
	if err != nil {
		return err
	}
	if len(restartPaths) == 0 {
		if p.ctx.AllowDummyRestart {
			p.ctx.Logger.Warn("restart files not found and dummy restart allowed. creating dummy emissions")
			if p.ctx.Comm.Root() {
				return p.ctx.CreateDummyEmissionsFile()
			}
			return nil
		}
		return ErrNoRestartFiles
	}

	shape := p.ctx.GridOutShape
	ncell := shape[0] * shape[1]
	totprcp := make([]float64, ncell)
	hwpSum := make([]float64, ncell)
	hwpCount := make([]int, ncell)

	for _, rp := range restartPaths {
		p.ctx.Logger.Infof("processing emissions for restart file: %s", rp)
		hwp, err := readVariable2D(rp, "rrfs_hwp_ave")
		if err != nil {
			return err
		}
		prcp, err := readVariable2D(rp, "totprcp_ave")
		if err != nil {
			return err
		}
		for j := 0; j < ncell; j++ {
			if v := prcp.Elements[j]; v > 0 {
				totprcp[j] += v
			}
			if v := hwp.Elements[j]; !math.IsNaN(v) {
				hwpSum[j] += v
				hwpCount[j]++
			}
		}
	}
	// Mean wildfire potential across restart files, ignoring NaN.
	hwpAvg := make([]float64, ncell)
	for j := range hwpAvg {
		if hwpCount[j] > 0 {
			hwpAvg[j] = hwpSum[j] / float64(hwpCount[j])
		} else {
			hwpAvg[j] = math.NaN()
		}
	}

	frpAvg, ebbTotal, err := p.averageFRP()
	if err != nil {
		return err
	}
	fireAge, err := p.fireEndHours(meta)
	if err != nil {
		return err
	}

	clip := func(data []float64) {
		for j, v := range data {
			if math.IsNaN(v) || v < 0 {
				data[j] = 0
			}
		}
	}
	clip(frpAvg.Elements)
	clip(ebbTotal.Elements)
	clip(fireAge.Elements)

	// A single shared mask couples all five outputs: any cell
	// without a strictly positive emission rate reports zero
	// everywhere, including the independently computed
	// precipitation and wildfire potential fields. Wildfire
	// potential and precipitation additionally require positive
	// daily FRP. This coupling is intentional and matches the
	// operational product.
	hwpOut := sparse.ZerosDense(shape[0], shape[1])
	prcpOut := sparse.ZerosDense(shape[0], shape[1])
	for j := 0; j < ncell; j++ {
		if frpAvg.Elements[j] > 0 && ebbTotal.Elements[j] > 0 {
			if v := hwpAvg[j]; !math.IsNaN(v) {
				hwpOut.Elements[j] = v
			}
			if v := totprcp[j]; !math.IsNaN(v) {
				prcpOut.Elements[j] = v
			}
		}
	}
	for j := 0; j < ncell; j++ {
		if !(ebbTotal.Elements[j] > 0) {
			frpAvg.Elements[j] = 0
			ebbTotal.Elements[j] = 0
			fireAge.Elements[j] = 0
		}
	}

	out := p.ctx.EmissionsPath()
	p.ctx.Logger.Infof("creating emissions file: %s", out)
	err = createEmissionsFile(out, shape, dummyVariables, false, IOConfig{Root: true})
	if err != nil {
		return err
	}
	if err := copyCoordinates(out, p.ctx.GridOut()); err != nil {
		return err
	}
	for _, v := range []struct {
		name string
		data *sparse.DenseArray
	}{
		{"frp_davg", frpAvg},
		{"ebb_rate", ebbTotal},
		{"fire_end_hr", fireAge},
		{"hwp_davg", hwpOut},
		{"totprcp_24hrs", prcpOut},
	} {
		stacked := sparse.ZerosDense(1, shape[0], shape[1])
		copy(stacked.Elements, v.data.Elements)
		if err := writeVariable(out, v.name, stacked); err != nil {
			return err
		}
	}
	p.ctx.Logger.Info("run: exit")
	return nil
}
