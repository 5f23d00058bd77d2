package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"warpgate/internal/cycle"
	"warpgate/internal/types"
)

var (
	cycleOutcome string
	cycleQueue   bool
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Trigger learning cycles",
}

var cycleRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a learning cycle for a tested proposal",
	Long: `Sends a test outcome for a proposal to the service, which gathers
insights, applies updates and submits the improved candidate. With --queue
the cycle runs in the background and only the queue depth is printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := readProposal(propAgent, propFile, propBefore, propAfter, propImprovement)
		if err != nil {
			return err
		}
		outcome, err := types.ParseOutcome(cycleOutcome)
		if err != nil {
			return err
		}
		ev := cycle.Event{AgentType: p.AgentType, Proposal: p, Outcome: outcome}
		path := "/cycles"
		if cycleQueue {
			path = "/cycles/enqueue"
		}
		return call(cmd, http.MethodPost, path, nil, ev)
	},
}

func init() {
	f := cycleRunCmd.Flags()
	f.StringVar(&propAgent, "agent", "", "Agent type")
	f.StringVar(&propFile, "file", "", "Target file path in the repository")
	f.StringVar(&propBefore, "before", "", "Local file with the code before the change")
	f.StringVar(&propAfter, "after", "", "Local file with the tested code")
	f.StringVar(&propImprovement, "type", string(types.ImprovementGeneral), "Improvement type")
	f.StringVar(&cycleOutcome, "outcome", string(types.OutcomePassed), "Test outcome: passed or failed")
	f.BoolVar(&cycleQueue, "queue", false, "Run in the background")
	_ = cycleRunCmd.MarkFlagRequired("agent")
	_ = cycleRunCmd.MarkFlagRequired("file")
	_ = cycleRunCmd.MarkFlagRequired("after")
	cycleCmd.AddCommand(cycleRunCmd)
}
