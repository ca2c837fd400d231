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

// Package smokedustutil binds the smoke/dust preprocessor to its
// command-line and configuration-file interface.
package smokedustutil

import (
	"fmt"

	"github.com/airshedmodel/smokedust"
	"github.com/lnashier/viper"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to the
	// preprocessor.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "staticdir",
			usage: `
              staticdir is the path to the smoke and dust fixed files.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ravedir",
			usage: `
              ravedir is the path to the directory containing RAVE
              data files (hourly).`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "intp-dir",
			usage: `
              intp-dir is the path to the directory containing
              interpolated RAVE data files.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "predef-grid",
			usage: `
              predef-grid is the predefined grid to use as the forecast
              domain. One of: RRFS_CONUS_25km, RRFS_CONUS_13km,
              RRFS_CONUS_3km, RRFS_NA_3km, RRFS_NA_13km.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "ebb-dcycle",
			usage: `
              ebb-dcycle is the forecast cycle to run. Cycle '1'
              estimates emissions and fire radiative power; cycle '2'
              additionally creates inputs to forecast hourly wildfire
              potential.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "restart-interval",
			usage: `
              restart-interval holds the restart intervals used for the
              restart file search, for example '6 12 18 24'.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "persistence",
			usage: `
              persistence specifies whether to use satellite
              observations from the previous day. Otherwise,
              observations from the same day are used.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "rave-qa-filter",
			usage: `
              rave-qa-filter is the filter level for RAVE QA flags when
              regridding fields. One of: none, high.`,
			defaultVal: "none",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "log-level",
			usage: `
              log-level is the logging level for the preprocessor. One
              of: info, debug.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "exit-on-error",
			usage: `
              exit-on-error specifies whether to exit with an error
              status on an unhandled error. If false, errors are logged
              and a dummy emissions file is written, but the exit
              status is zero.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
		{
			name: "regrid-in-memory",
			usage: `
              regrid-in-memory specifies whether to compute
              conservative regridding weights in memory as opposed to
              reading them from the fixed weight file.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{runCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("SMOKEDUST")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("smokedust: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// configFromCfg builds the preprocessor configuration from the
// bound flag and configuration-file values. The restart interval may
// be given as a list in a configuration file or as a space-separated
// string on the command line.
func configFromCfg() (smokedust.Config, error) {
	restartInterval, err := cast.ToIntSliceE(Cfg.Get("restart-interval"))
	if err != nil {
		restartInterval, err = smokedust.ParseRestartInterval(Cfg.GetString("restart-interval"))
		if err != nil {
			return smokedust.Config{}, err
		}
	}
	return smokedust.Config{
		StaticDir:       Cfg.GetString("staticdir"),
		RaveDir:         Cfg.GetString("ravedir"),
		IntpDir:         Cfg.GetString("intp-dir"),
		PredefGrid:      smokedust.PredefinedGrid(Cfg.GetString("predef-grid")),
		EbbDCycle:       smokedust.EbbDCycle(Cfg.GetString("ebb-dcycle")),
		RestartInterval: restartInterval,
		Persistence:     Cfg.GetBool("persistence"),
		RaveQaFilter:    smokedust.RaveQaFilter(Cfg.GetString("rave-qa-filter")),
		ExitOnError:     Cfg.GetBool("exit-on-error"),
		LogLevel:        smokedust.LogLevel(Cfg.GetString("log-level")),
		RegridInMemory:  Cfg.GetBool("regrid-in-memory"),
	}, nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "smokedust",
	Short: "A smoke and dust emissions preprocessor.",
	Long: `SmokeDust prepares initial-condition emissions fields for regional smoke
and dust forecasting from RAVE satellite fire detections and forecast
restart files.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'SMOKEDUST_var' where 'var' is the
name of the variable to be set. The CDATE and COMIN_SMOKE_DUST_COMMUNITY
environment variables specify the forecast date and the restart file directory.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of SmokeDust.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("SmokeDust v%s\n", smokedust.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Interpolate RAVE data and process fire emissions.",
	Long: `run regrids hourly RAVE fire detections onto the forecast grid and
derives the initial-condition emissions file for the configured cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println("Welcome to interpolating RAVE and processing fire emissions!")
		cfg, err := configFromCfg()
		if err != nil {
			return err
		}
		ctx, err := smokedust.NewContext(cfg, smokedust.Comm{Rank: 0, Size: 1})
		if err != nil {
			return err
		}
		if err := smokedust.RunWithFallback(ctx); err != nil {
			return err
		}
		cmd.Println("Exiting. Bye!")
		return nil
	},
	DisableAutoGenTag: true,
}
