package cli

import (
	stdcontext "context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procreap/internal/engine"
	"github.com/Paintersrp/procreap/internal/events"
)

func newRunCmd(ctx *context) *cobra.Command {
	var (
		name        string
		libraryPath string
		detach      bool
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Launch a single process and wait for it to exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			log := ctx.logger(cfg)

			runCtx := cmd.Context()
			reapCtx, stopReaper := stdcontext.WithCancel(stdcontext.WithoutCancel(runCtx))
			defer stopReaper()
			mgr := ctx.newManager(cfg, log)
			defer mgr.Close()
			if err := mgr.Start(reapCtx); err != nil {
				return err
			}

			updates, cancel := mgr.Subscribe()
			defer cancel()

			pid, err := mgr.Run(engine.Spec{Name: name, Command: args, LibraryPath: libraryPath})
			if err != nil {
				return err
			}
			if detach {
				fmt.Fprintln(cmd.OutOrStdout(), pid)
				return nil
			}

			for {
				select {
				case <-runCtx.Done():
					log.Info().Int("pid", pid).Msg("interrupted, stopping process")
					mgr.StopWait(pid)
					return runCtx.Err()
				case evt, ok := <-updates:
					if !ok {
						return fmt.Errorf("event stream closed before process %d exited", pid)
					}
					if evt.PID != pid {
						continue
					}
					switch evt.Type {
					case events.TypeTerminated:
						return exitStatus(evt)
					case events.TypeLost:
						return fmt.Errorf("process %d was reaped elsewhere", pid)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name recorded for the process")
	cmd.Flags().StringVar(&libraryPath, "library-path", "", "Set LD_LIBRARY_PATH in the child only")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Print the PID and return without waiting")
	return cmd
}

// exitStatus maps a termination onto the shell convention for exit codes.
func exitStatus(evt events.Event) error {
	switch {
	case evt.Signaled():
		return &exitError{code: 128 + int(evt.Signal)}
	case evt.ExitCode != 0:
		return &exitError{code: evt.ExitCode}
	default:
		return nil
	}
}
