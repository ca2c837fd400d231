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

import "fmt"

// Variable holds the netCDF metadata for one output variable.
type Variable struct {
	// Name is the standard (short) variable name.
	Name string
	// LongName is the descriptive name for the variable.
	LongName string
	// Units are the units for the variable.
	Units string
	// FillValueStr is the fill value in string form, stored as the
	// FillValue attribute for compatibility with downstream readers.
	FillValueStr string
	// FillValue is the numeric fill value.
	FillValue float64
}

// variables is the canonical registry of variables written by the
// preprocessor. Names must be unique.
var variables = []Variable{
	{
		Name:         "geolat",
		LongName:     "cell center latitude",
		Units:        "degrees_north",
		FillValueStr: "-9999.f",
		FillValue:    -9999.0,
	},
	{
		Name:         "geolon",
		LongName:     "cell center longitude",
		Units:        "degrees_east",
		FillValueStr: "-9999.f",
		FillValue:    -9999.0,
	},
	{
		Name:         "frp_avg_hr",
		LongName:     "Mean Fire Radiative Power",
		Units:        "MW",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "ebb_smoke_hr",
		LongName:     "EBB emissions",
		Units:        "ug m-2 s-1",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "frp_davg",
		LongName:     "Daily mean Fire Radiative Power",
		Units:        "MW",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "ebb_rate",
		LongName:     "Total EBB emission",
		Units:        "ug m-2 s-1",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "fire_end_hr",
		LongName:     "Hours since fire was last detected",
		Units:        "hrs",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "hwp_davg",
		LongName:     "Daily mean Hourly Wildfire Potential",
		Units:        "none",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "totprcp_24hrs",
		LongName:     "Sum of precipitation",
		Units:        "m",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
	{
		Name:         "FRE",
		LongName:     "FRE",
		Units:        "MJ",
		FillValueStr: "0.f",
		FillValue:    0.0,
	},
}

// GetVariable returns the registered variable with the given name.
func GetVariable(name string) (Variable, error) {
	for _, v := range variables {
		if v.Name == name {
			return v, nil
		}
	}
	return Variable{}, fmt.Errorf("smokedust: no registered variable named %s", name)
}
