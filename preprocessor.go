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

// Package smokedust prepares initial-condition emissions fields for
// smoke and dust forecasting. It combines satellite fire-detection
// products with a weather model's restart state: hourly RAVE data
// is conservatively regridded onto the forecast grid, then a cycle
// processor derives fire radiative power, biomass-burning emission
// rates, and, depending on the cycle method, wildfire potential and
// precipitation fields from forecast restart files.
package smokedust

import (
	"fmt"
)

// Version is the version of this preprocessor.
const Version = "0.1.0"

// Preprocessor orchestrates one forecast cycle: it decides whether
// any source data exists at all, runs the regrid processor, and
// hands off to the cycle processor for the final derivation.
type Preprocessor struct {
	ctx    *Context
	regrid *RegridProcessor
	cycle  CycleProcessor
}

// NewPreprocessor creates the preprocessor and its regrid and cycle
// components for ctx.
func NewPreprocessor(ctx *Context) (*Preprocessor, error) {
	cycle, err := NewCycleProcessor(ctx)
	if err != nil {
		return nil, err
	}
	return &Preprocessor{
		ctx:    ctx,
		regrid: NewRegridProcessor(ctx),
		cycle:  cycle,
	}, nil
}

// CycleDates returns the cycle window's hourly timestamps.
func (p *Preprocessor) CycleDates() []string { return p.cycle.CycleDates() }

// CycleMetadata returns the per-hour source availability table.
func (p *Preprocessor) CycleMetadata() (CycleMetadata, error) { return p.cycle.CycleMetadata() }

// IsFirstDay reports whether no interpolated or raw RAVE data is
// available for any hour of the cycle window.
func (p *Preprocessor) IsFirstDay() (bool, error) {
	meta, err := p.cycle.CycleMetadata()
	if err != nil {
		return false, err
	}
	first := meta.IsFirstDay()
	p.ctx.Logger.Infof("is_first_day=%v", first)
	return first, nil
}

// Run executes the preprocessor. On the first forecast day only the
// coordinating rank writes a dummy emissions file. Otherwise the
// regrid phase runs first so the cycle derivation can read the
// interpolated files it produced, and only the coordinating rank
// runs the cycle processor.
func (p *Preprocessor) Run() error {
	p.ctx.Logger.Info("run: entering")
	first, err := p.IsFirstDay()
	if err != nil {
		return err
	}
	if first {
		if p.ctx.Comm.Root() {
			if err := p.ctx.CreateDummyEmissionsFile(); err != nil {
				return err
			}
		}
	} else {
		meta, err := p.cycle.CycleMetadata()
		if err != nil {
			return err
		}
		if err := p.regrid.Run(meta); err != nil {
			return err
		}
		if p.ctx.Comm.Root() {
			if err := p.cycle.Run(); err != nil {
				return err
			}
		}
	}
	p.ctx.Logger.Info("run: exiting")
	return nil
}

// Finalize completes the run.
func (p *Preprocessor) Finalize() {
	p.ctx.Logger.Info("finalize: exiting")
}

// RunWithFallback runs the preprocessor and, on any error, writes a
// dummy emissions file as a last-resort output so downstream
// consumers never see a missing initial-condition file. The error
// is logged; it is returned only when the exit-on-error policy is
// set.
func RunWithFallback(ctx *Context) error {
	p, err := NewPreprocessor(ctx)
	if err != nil {
		return err
	}
	if err := p.Run(); err != nil {
		if derr := ctx.CreateDummyEmissionsFile(); derr != nil {
			ctx.Logger.Errorf("while writing fallback dummy emissions: %v", derr)
		}
		return ctx.LogError(fmt.Errorf("smokedust: unhandled error: %v", err))
	}
	p.Finalize()
	return nil
}
