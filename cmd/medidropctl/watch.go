package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"medidrop/internal/modules/broadcast"
	"medidrop/internal/observer"
	"medidrop/internal/types"
)

func newWatchCmd() *cobra.Command {
	var (
		apiURL  string
		token   string
		poll    time.Duration
		trigger time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <broadcast-id>",
		Short: "Follow one broadcast until it is accepted or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("MEDIDROP_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := json.NewEncoder(cmd.OutOrStdout())
			cfg := observer.Config{PollInterval: poll, TriggerInterval: trigger}
			cfg.OnChange = func(v observer.View) { _ = out.Encode(v) }

			obs := observer.New(observer.NewHTTPTransport(apiURL, token), types.ID(args[0]), cfg, nil)
			obs.Start(ctx)
			defer obs.Close()

			select {
			case <-obs.Done():
				v := obs.View()
				if v.Status == broadcast.StatusFailed {
					return fmt.Errorf("broadcast failed: %s", v.FailureReason)
				}
				return nil
			case <-ctx.Done():
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "base URL of the medidrop API")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (defaults to $MEDIDROP_TOKEN)")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "snapshot poll interval")
	cmd.Flags().DurationVar(&trigger, "trigger", 5*time.Second, "escalation trigger interval")
	return cmd
}
