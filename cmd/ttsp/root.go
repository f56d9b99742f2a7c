package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"touchcode-go/services/config"
)

const (
	configOptionName   = "config"
	logLevelOptionName = "log-level"
	logJSONOptionName  = "log-json"
)

// env is shared by every command of one process. The shell keeps the
// session open across lines; one-shot commands close it when they finish.
type env struct {
	out      io.Writer
	cfgPath  string
	logLevel string
	logJSON  bool

	log  *slog.Logger
	file *config.File
	sess *session
	keep bool
}

func newEnv(out io.Writer) *env { return &env{out: out} }

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", logLevelOptionName, s, err)
	}
	return l, nil
}

func (e *env) setup(cmd *cobra.Command) error {
	if e.log == nil {
		level, err := parseLevel(e.logLevel)
		if err != nil {
			return err
		}
		opts := &slog.HandlerOptions{Level: level}
		var h slog.Handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
		if e.logJSON {
			h = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
		}
		e.log = slog.New(h)
	}
	if e.file == nil {
		f, err := config.Load(e.cfgPath)
		if err != nil {
			return err
		}
		e.file = f
	}
	return nil
}

// done closes a one-shot session.
func (e *env) done() error {
	if e.keep || e.sess == nil {
		return nil
	}
	err := e.sess.Close()
	e.sess = nil
	return err
}

func newRootCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ttsp",
		Short:         "Touch controller control core and diagnostics",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return e.done()
		},
	}
	cmd.SetOut(e.out)
	cmd.PersistentFlags().StringVar(&e.cfgPath, configOptionName, "", "YAML configuration file (default: embedded)")
	cmd.PersistentFlags().StringVar(&e.logLevel, logLevelOptionName, "info", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&e.logJSON, logJSONOptionName, false, "Log as JSON")

	cmd.AddCommand(newRunCommand(e))
	cmd.AddCommand(newStatusCommand(e))
	cmd.AddCommand(newSysInfoCommand(e))
	cmd.AddCommand(newRegCommand(e))
	cmd.AddCommand(newCfgCommand(e))
	cmd.AddCommand(newCalibrateCommand(e))
	cmd.AddCommand(newScanCommand(e))
	cmd.AddCommand(newParamCommand(e))
	cmd.AddCommand(newPowerCommands(e)...)
	cmd.AddCommand(newShellCommand(e))
	return cmd
}
