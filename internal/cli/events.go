package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procreap/internal/api"
	"github.com/Paintersrp/procreap/internal/api/client"
	"github.com/Paintersrp/procreap/internal/events"
)

type eventStreamer interface {
	Events(stdcontext.Context) (<-chan api.EventRecord, error)
}

var _ eventStreamer = (*client.Client)(nil)

func newEventsCmd(ctx *context) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow lifecycle events from a running procreap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := ctx.controlClient()
			if err != nil {
				return err
			}
			streamer, ok := ctrl.(eventStreamer)
			if !ok {
				return errors.New("control client cannot stream events")
			}
			stream, err := streamer.Events(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for rec := range stream {
				if asJSON {
					if err := enc.Encode(rec); err != nil {
						return err
					}
					continue
				}
				writeEventLine(out, rec)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per event")
	return cmd
}

func writeEventLine(w io.Writer, rec api.EventRecord) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-13s", rec.Timestamp.Local().Format("15:04:05.000"), rec.Type)
	if rec.PID != 0 {
		fmt.Fprintf(&b, "  pid=%d", rec.PID)
	}
	if rec.Program != "" {
		fmt.Fprintf(&b, "  program=%s", rec.Program)
	}
	switch {
	case rec.Signal != "":
		fmt.Fprintf(&b, "  signal=%q", rec.Signal)
	case rec.Type == events.TypeTerminated:
		fmt.Fprintf(&b, "  exit=%d", rec.ExitCode)
	}
	if rec.Attempt > 0 {
		fmt.Fprintf(&b, "  attempt=%d", rec.Attempt)
	}
	if rec.Message != "" {
		fmt.Fprintf(&b, "  %s", rec.Message)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "  error=%q", rec.Error)
	}
	fmt.Fprintln(w, b.String())
}
