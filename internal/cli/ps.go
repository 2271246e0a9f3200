package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procreap/internal/engine"
)

func newPsCmd(ctx *context) *cobra.Command {
	var (
		asJSON bool
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List processes managed by a running procreap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := ctx.controlClient()
			if err != nil {
				return err
			}
			list, err := ctrl.Processes(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}

			now := time.Now()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PID\tNAME\tPROGRAM\tSTATE\tEXIT\tAGE")
			for _, info := range list.Processes {
				if !all && !info.Live() {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					info.PID,
					orDash(info.Name),
					orDash(info.Program),
					formatProcessState(info.State),
					formatExitColumn(info),
					formatAgeColumn(info, now))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw listing as JSON")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include recently finished processes")
	return cmd
}

func formatProcessState(s engine.State) string {
	if s == "" {
		return "-"
	}
	str := string(s)
	return strings.ToUpper(str[:1]) + str[1:]
}

func formatExitColumn(info engine.ProcessInfo) string {
	switch info.State {
	case engine.StateExited:
		return strconv.Itoa(info.ExitCode)
	case engine.StateSignaled:
		return info.Signal
	default:
		return "-"
	}
}

func formatAgeColumn(info engine.ProcessInfo, now time.Time) string {
	if info.StartedAt.IsZero() {
		return "-"
	}
	end := now
	if !info.FinishedAt.IsZero() {
		end = info.FinishedAt
	}
	age := end.Sub(info.StartedAt)
	if age < 0 {
		age = 0
	}
	return units.HumanDuration(age)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
