/*Command cicph runs a charge injection capacity experiment: it drives a
Keithley 2450 through a biphasic current waveform while logging the electrode
voltage and the pH and temperature of the electrolyte, then saves the record
as a CSV and a PNG plot.

Usage:

	cicph run [--config cicph.yml] [flags]
	cicph replot data.csv
	cicph mkconf
	cicph conf
	cicph version
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.com/electrode-lab/cicph/acquisition"
	"github.com/electrode-lab/cicph/chart"
	"github.com/electrode-lab/cicph/config"
	"github.com/electrode-lab/cicph/export"
	"github.com/electrode-lab/cicph/monitor"
	"github.com/electrode-lab/cicph/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is the default configuration file
	ConfigFileName = "cicph.yml"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cicph",
		Short: "charge injection capacity stimulation with pH and temperature logging",
		Long: `cicph drives a Keithley 2450 through a biphasic current waveform while
polling a serial pH/temperature probe, and saves the merged record as a CSV
and a PNG plot.  Configuration is read from a YAML file (see mkconf), CICPH_
environment variables (CICPH_KEITHLEY__ADDR sets keithley.addr), and flags.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", ConfigFileName, "configuration file")
	root.AddCommand(runCmd(), replotCmd(), mkconfCmd(), confCmd(), versionCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the waveform and record until it completes or is stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(c)
		},
	}
	f := cmd.Flags()
	f.String("name", "", "prefix of the exported files")
	f.String("dataroot", "", "directory holding one folder per day of exports")
	f.Bool("keithley.enabled", true, "use the source-measure unit")
	f.String("keithley.transport", "", "usb or tcp")
	f.String("keithley.addr", "", "host:port of the source-measure unit over tcp")
	f.Bool("phmeter.enabled", true, "use the pH/temperature probe")
	f.String("phmeter.port", "", "serial port of the probe, discovered when empty")
	f.Bool("monitor.enabled", true, "serve the live view over HTTP")
	f.String("monitor.addr", "", "listen address of the live view")
	return cmd
}

func newSpinner() *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " initializing instruments",
		StopCharacter:     "✓",
		StopMessage:       "instruments ready",
		StopFailCharacter: "✗",
		StopFailMessage:   "no usable instruments",
	})
	if err != nil {
		log.Printf("spinner: %v", err)
		return nil
	}
	return s
}

func run(c config.Config) error {
	plot := chart.New(c.Name, c.Chart.Width, c.Chart.Height)
	sinks := []acquisition.Sink{plot}

	state := acquisition.NewRunState()
	exp := export.New(c.DataRoot, state, plot)
	cfg := acquisition.Config{
		Name:         c.Name,
		Plan:         c.Waveform,
		SMU:          c.SMUOptions(),
		PollInterval: c.Poll(),
		FlushLines:   c.PHMeter.FlushLines,
		State:        state,
	}

	var mon *monitor.Monitor
	if c.Monitor.Enabled {
		mon = monitor.New(state, plot)
		sinks = append(sinks, mon)
	}
	sess := acquisition.NewSession(cfg, openers(c), exp, sinks...)

	spin := newSpinner()
	if spin != nil {
		spin.Start()
	}
	if err := sess.Start(); err != nil {
		if spin != nil {
			spin.StopFail()
		}
		sess.Shutdown()
		return err
	}
	if spin != nil {
		spin.Stop()
	}
	smu, probe := sess.Instruments()
	plot.SetLayout(chart.Layout{SMU: smu, Probe: probe})

	if mon != nil {
		srv, err := server.Start(c.Monitor.Addr, server.BuildMux(mon))
		if err != nil {
			log.Printf("monitor: %v, running without the live view", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.Printf("monitor: shutdown: %v", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("acquisition: running %d steps, %v total", len(c.Waveform.Steps()), c.Waveform.TotalDuration())
	rep := sess.Run(ctx)
	logReport(rep)
	return nil
}

func logReport(rep acquisition.Report) {
	log.Printf("acquisition: %s (%s), %d samples", rep.Status, rep.Reason, rep.Samples)
	if rep.TeardownErr != nil {
		log.Printf("acquisition: teardown: %v", rep.TeardownErr)
	}
	if rep.ExportErr != nil {
		log.Printf("acquisition: export failed: %v", rep.ExportErr)
	}
}

func replotCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "replot file.csv",
		Short: "render the PNG of an exported CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			samples, err := export.ReadFile(args[0])
			if err != nil {
				return err
			}
			if len(samples) == 0 {
				return export.ErrNoSamples
			}
			if out == "" {
				out = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".png"
			}
			plot := chart.New(filepath.Base(args[0]), c.Chart.Width, c.Chart.Height)
			plot.SetLayout(layoutOf(samples))
			if err := plot.SavePNG(out, samples); err != nil {
				return err
			}
			log.Printf("export: plot saved to %s", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, the CSV name with .png when empty")
	return cmd
}

// layoutOf lays out rows for the quantities present anywhere in samples
func layoutOf(samples []acquisition.Sample) chart.Layout {
	var l chart.Layout
	for _, s := range samples {
		l.SMU = l.SMU || s.Voltage.Valid || s.Current.Valid
		l.Probe = l.Probe || s.PH.Valid || s.Temperature.Valid
	}
	return l
}

func mkconfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "write the effective configuration to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			c, err := config.Load("", nil)
			if err != nil {
				return err
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return yml.NewEncoder(f).Encode(c)
		},
	}
}

func confCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return yml.NewEncoder(os.Stdout).Encode(c)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cicph version %v\n", Version)
		},
	}
}
