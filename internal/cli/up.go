package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/procreap/internal/api"
	apihttp "github.com/Paintersrp/procreap/internal/api/http"
	"github.com/Paintersrp/procreap/internal/engine"
	"github.com/Paintersrp/procreap/internal/tui"
)

var newAPIServer = apihttp.NewServer

func newUpCmd(ctx *context) *cobra.Command {
	var (
		useTUI  bool
		noAPI   bool
		exitAll bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Launch configured processes and supervise them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if useTUI && !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("--tui requires an interactive terminal")
			}

			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Processes) == 0 && noAPI {
				return errors.New("nothing to do: no processes configured and the control API is disabled")
			}
			log := ctx.logger(cfg)

			// The reaper outlives the signal context so StopAll can still
			// observe exits during shutdown.
			reapCtx, stopReaper := stdcontext.WithCancel(stdcontext.WithoutCancel(cmd.Context()))
			defer stopReaper()
			runCtx, cancel := stdcontext.WithCancel(cmd.Context())
			defer cancel()

			mgr := ctx.newManager(cfg, log)
			defer mgr.Close()
			if err := mgr.Start(reapCtx); err != nil {
				return err
			}
			defer mgr.StopAll()

			var serverErr <-chan error
			if !noAPI {
				stopServer, errCh, err := startAPIServer(runCtx, cmd, apihttp.Config{
					Addr:           cfg.API.Addr,
					Controller:     api.ManagerController{Manager: mgr},
					Logger:         log.With().Str("component", "api").Logger(),
					SocketGroup:    cfg.API.SocketGroup,
					DisableMetrics: !cfg.Metrics.On(),
				})
				if err != nil {
					return err
				}
				defer stopServer()
				serverErr = errCh
			}

			for _, proc := range cfg.Processes {
				pid, err := mgr.Run(engine.Spec{Name: proc.Name, Command: proc.Command, LibraryPath: proc.LibraryPath})
				if err != nil {
					return err
				}
				if !useTUI {
					fmt.Fprintf(cmd.OutOrStdout(), "%s started (pid %d)\n", proc.Name, pid)
				}
			}

			if useTUI {
				return runUpTUI(runCtx, mgr)
			}

			var allExited <-chan struct{}
			if exitAll {
				allExited = waitAllExited(runCtx, mgr)
			}

			select {
			case <-runCtx.Done():
				log.Info().Msg("shutting down")
				return nil
			case err := <-serverErr:
				return err
			case <-allExited:
				log.Info().Msg("all processes exited")
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show the interactive process table")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Do not serve the control API")
	cmd.Flags().BoolVar(&exitAll, "exit-with-children", false, "Return once every launched process has exited")
	return cmd
}

// startAPIServer runs the control API in the background and waits briefly for
// it to fail fast on listener errors.
func startAPIServer(ctx stdcontext.Context, cmd *cobra.Command, cfg apihttp.Config) (func(), <-chan error, error) {
	server, err := newAPIServer(cfg)
	if err != nil {
		return nil, nil, err
	}
	serverCtx, cancel := stdcontext.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	readyTimer := time.NewTimer(200 * time.Millisecond)
	defer readyTimer.Stop()
	select {
	case err := <-errCh:
		cancel()
		return nil, nil, err
	case <-readyTimer.C:
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Control API listening on %s\n", server.Addr())

	running := make(chan error, 1)
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			running <- err
		}
		close(running)
	}()
	return func() {
		cancel()
		select {
		case <-running:
		case <-time.After(10 * time.Second):
		}
	}, running, nil
}

func waitAllExited(ctx stdcontext.Context, mgr *engine.Manager) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, pid := range mgr.Snapshot() {
			if err := mgr.Wait(ctx, pid); err != nil {
				return
			}
		}
	}()
	return done
}

func runUpTUI(ctx stdcontext.Context, mgr *engine.Manager) error {
	ui := tui.New(tui.WithStopper(mgr))
	ui.Seed(mgr.Processes())

	updates, cancel := mgr.Subscribe()
	defer cancel()
	go func() {
		defer ui.CloseEvents()
		sink := ui.EventSink()
		for {
			select {
			case <-ui.Done():
				return
			case evt, ok := <-updates:
				if !ok {
					return
				}
				select {
				case sink <- evt:
				case <-ui.Done():
					return
				}
			}
		}
	}()

	return ui.Run(ctx)
}

func supportsInteractiveOutput(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
