package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"touchcode-go/services/monitor"
)

func newRunCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Attach the core and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, e)
		},
	}
}

// serve runs the attached core with its monitor until ctx is done.
func serve(ctx context.Context, e *env) error {
	s, err := e.session(ctx)
	if err != nil {
		return err
	}
	conn := s.bus.NewConnection("run")
	defer conn.Disconnect()
	e.file.Publish(conn)

	mon := &monitor.Service{
		Device:   e.file.Device.Name,
		Source:   s.core,
		Interval: e.file.Monitor.Interval,
		Log:      e.log.With("service", "monitor"),
	}
	if err := mon.Start(ctx, s.bus.NewConnection("monitor")); err != nil {
		return err
	}
	e.log.Info("serving", "device", e.file.Device.Name, "mode", s.core.Mode())
	<-ctx.Done()
	e.log.Info("shutting down")
	return nil
}
