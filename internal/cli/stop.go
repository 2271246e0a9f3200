package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newStopCmd(ctx *context) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "stop PID",
		Short: "Send SIGTERM to a managed process",
		Long: "Send SIGTERM to a managed process. With --wait the signal is repeated " +
			"until the process has been reaped, escalating to SIGKILL.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil || pid <= 0 {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			ctrl, err := ctx.controlClient()
			if err != nil {
				return err
			}
			res, err := ctrl.Stop(cmd.Context(), pid, wait)
			if err != nil {
				return err
			}
			if res.Waited {
				fmt.Fprintf(cmd.OutOrStdout(), "%d stopped\n", res.PID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d signalled\n", res.PID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the process has been reaped")
	return cmd
}

func newStopAllCmd(ctx *context) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every managed process and wait for each to be reaped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := ctx.controlClient()
			if err != nil {
				return err
			}
			res, err := ctrl.StopAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(res.Stopped) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no processes running")
				return nil
			}
			pids := make([]string, len(res.Stopped))
			for i, pid := range res.Stopped {
				pids[i] = strconv.Itoa(pid)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", strings.Join(pids, " "))
			return nil
		},
	}
}
