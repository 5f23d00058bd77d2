package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"warpgate/internal/api"
)

// gateCmd groups the admission gate commands.
var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Inspect and toggle the admission gate",
}

var gateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the admission status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/admission-status", nil, nil)
	},
}

var warpCmd = &cobra.Command{
	Use:       "warp on|off",
	Short:     "Activate or deactivate warp mode",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "on" {
			return call(cmd, http.MethodPost, "/activate-warp", nil, nil)
		}
		return call(cmd, http.MethodPost, "/deactivate-warp", nil, nil)
	},
}

var chaosCmd = &cobra.Command{
	Use:   "chaos <duration>|off",
	Short: "Activate chaos mode for a duration, or deactivate it",
	Long: `Activates chaos mode for the given duration (for example 5m or 1h).
"off" deactivates it early. Chaos is refused while warp is active.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "off" {
			return call(cmd, http.MethodPost, "/deactivate-chaos", nil, nil)
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}
		return call(cmd, http.MethodPost, "/activate-chaos", nil, api.ChaosRequest{DurationSeconds: int64(d / time.Second)})
	},
}

func init() {
	gateCmd.AddCommand(gateStatusCmd)
	gateCmd.AddCommand(warpCmd)
	gateCmd.AddCommand(chaosCmd)
}
