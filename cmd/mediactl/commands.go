package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mediasessiond/internal/ipc"
)

const version = "0.3.0"

type options struct {
	socket  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "mediactl",
		Short: "Control the current media session through mediasessiond",
		Long: `mediactl talks to a running mediasessiond over its Unix socket.

Examples:
  mediactl play-pause          # Toggle play/pause on the current player
  mediactl next                # Skip to the next track
  mediactl status --json       # Print the daemon's state snapshot`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.socket, "socket", ipc.DefaultSocketPath, "Unix domain socket path of the daemon")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "Request timeout")

	root.AddCommand(
		commandCmd(opts, "play-pause", "Toggle play/pause", ipc.RequestTogglePlayPause),
		commandCmd(opts, "next", "Skip to the next track", ipc.RequestSkipNext),
		commandCmd(opts, "previous", "Skip to the previous track", ipc.RequestSkipPrevious),
		statusCmd(opts),
	)
	return root
}

func (o *options) send(ctx context.Context, t ipc.RequestType) (ipc.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return ipc.Send(ctx, o.socket, ipc.Request{Type: t})
}

func commandCmd(opts *options, use, short string, t ipc.RequestType) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.send(cmd.Context(), t)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Result)
			return nil
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current media session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.send(cmd.Context(), ipc.RequestGetState)
			if err != nil {
				return err
			}
			if resp.State == nil {
				return fmt.Errorf("daemon returned no state")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(resp.State)
			}
			printStatus(cmd.OutOrStdout(), *resp.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON snapshot")
	return cmd
}

func printStatus(w io.Writer, s ipc.Snapshot) {
	if !s.HasSession {
		fmt.Fprintln(w, "no media session")
		return
	}
	fmt.Fprintf(w, "player:   %s\n", s.SourceAppID)
	fmt.Fprintf(w, "status:   %s\n", s.Status)
	if m := s.Metadata; m != nil {
		fmt.Fprintf(w, "title:    %s\n", m.Title)
		fmt.Fprintf(w, "artist:   %s\n", m.Artist)
		if m.Album != "" {
			fmt.Fprintf(w, "album:    %s\n", m.Album)
		}
	}
	fmt.Fprintf(w, "controls: previous=%t next=%t\n", s.PreviousEnabled, s.NextEnabled)
}
