package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"warpgate/internal/api"
	"warpgate/internal/types"
)

// =============================================================================
// PROPOSALS
// =============================================================================

var (
	propAgent       string
	propFile        string
	propBefore      string
	propAfter       string
	propImprovement string
	propDescription string
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Submit and inspect proposals",
}

var proposalSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a proposal from before/after files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := readProposal(propAgent, propFile, propBefore, propAfter, propImprovement)
		if err != nil {
			return err
		}
		p.Description = propDescription
		return call(cmd, http.MethodPost, "/proposals", nil, p)
	},
}

var proposalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/proposals/"+url.PathEscape(args[0]), nil, nil)
	},
}

// readProposal builds a candidate from the contents of two local files.
// before may be empty for a new file.
func readProposal(agent, file, before, after, improvement string) (*types.Proposal, error) {
	p := &types.Proposal{
		AgentType:       types.AgentType(agent),
		FilePath:        file,
		ImprovementType: types.ImprovementType(improvement),
	}
	if before != "" {
		data, err := os.ReadFile(before)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", before, err)
		}
		p.CodeBefore = string(data)
	}
	data, err := os.ReadFile(after)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", after, err)
	}
	p.CodeAfter = string(data)
	return p, nil
}

// =============================================================================
// APPROVALS
// =============================================================================

var (
	approvalAgent  string
	approvalLimit  int
	reviewer       string
	decisionReason string
	windowDays     int
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review pending approvals",
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if approvalAgent != "" {
			q.Set("agent_type", approvalAgent)
		}
		if approvalLimit > 0 {
			q.Set("limit", strconv.Itoa(approvalLimit))
		}
		return call(cmd, http.MethodGet, "/approvals/pending", q, nil)
	},
}

var approvalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an approval with its proposal and transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, http.MethodGet, "/approvals/"+url.PathEscape(args[0]), nil, nil)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending proposal and schedule its build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], "reject")
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show approval statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		q.Set("window_days", strconv.Itoa(windowDays))
		if approvalAgent != "" {
			q.Set("agent_type", approvalAgent)
		}
		return call(cmd, http.MethodGet, "/stats", q, nil)
	},
}

func decide(cmd *cobra.Command, id, action string) error {
	if reviewer == "" {
		return fmt.Errorf("--reviewer is required")
	}
	body := api.DecisionRequest{Reviewer: reviewer, Reason: decisionReason}
	return call(cmd, http.MethodPost, "/approvals/"+url.PathEscape(id)+"/"+action, nil, body)
}

func init() {
	proposalSubmitCmd.Flags().StringVar(&propAgent, "agent", "", "Submitting agent type")
	proposalSubmitCmd.Flags().StringVar(&propFile, "file", "", "Target file path in the repository")
	proposalSubmitCmd.Flags().StringVar(&propBefore, "before", "", "Local file with the current code")
	proposalSubmitCmd.Flags().StringVar(&propAfter, "after", "", "Local file with the proposed code")
	proposalSubmitCmd.Flags().StringVar(&propImprovement, "type", string(types.ImprovementGeneral), "Improvement type")
	proposalSubmitCmd.Flags().StringVar(&propDescription, "description", "", "Free-form description")
	_ = proposalSubmitCmd.MarkFlagRequired("agent")
	_ = proposalSubmitCmd.MarkFlagRequired("file")
	_ = proposalSubmitCmd.MarkFlagRequired("after")
	proposalsCmd.AddCommand(proposalSubmitCmd)
	proposalsCmd.AddCommand(proposalShowCmd)

	approvalsCmd.PersistentFlags().StringVar(&approvalAgent, "agent", "", "Filter by agent type")
	approvalListCmd.Flags().IntVar(&approvalLimit, "limit", 0, "Maximum number of approvals (0 = all)")
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer identity")
		c.Flags().StringVar(&decisionReason, "reason", "", "Free-form reason, classified into a reason code")
	}
	statsCmd.Flags().IntVar(&windowDays, "window-days", 30, "Statistics window in days")
	approvalsCmd.AddCommand(approvalListCmd, approvalShowCmd, approveCmd, rejectCmd, statsCmd)
}
