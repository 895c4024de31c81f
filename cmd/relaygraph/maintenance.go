package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/agentworkforce/relaygraph/internal/accessgate"
	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/observability"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newScanCmd(a *app) *cobra.Command {
	var graphID, subject string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Print the integrity report for one graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			gate, err := loadCLIPolicy(a.cfg, false)
			if err != nil {
				return err
			}
			if subject != "" {
				if gate == nil {
					return fmt.Errorf("--subject needs access.policy_file")
				}
				if _, err := relaygraph.Require(ctx, gate, subject, graphID, relaygraph.PermissionRead, relaygraph.RoleViewer); err != nil {
					return fmt.Errorf("subject %s cannot read graph %s: %w", subject, graphID, err)
				}
			}
			eng, err := buildEngine(ctx, a.cfg, gateOrNil(gate), logger)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close(ctx) }()

			report, err := eng.scanner.Scan(ctx, graphID)
			if err != nil {
				return err
			}
			return writeIndentedJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&graphID, "graph", "", "graph (tenant) id")
	cmd.Flags().StringVar(&subject, "subject", "", "check read access for this subject before scanning")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

func newRepairCmd(a *app) *cobra.Command {
	var graphID, action, subject, confirm string
	var commit bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Preview or commit one repair action",
		Long: "Runs one repair action as a dry run unless --commit is given. " +
			"Committed runs need --confirm matching repair.confirm_token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			gate, err := loadCLIPolicy(a.cfg, true)
			if err != nil {
				return err
			}
			eng, err := buildEngine(ctx, a.cfg, gate, logger)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close(ctx) }()
			if err := eng.requireRepairs(); err != nil {
				return err
			}

			result, err := eng.repairs.Execute(ctx, relaygraph.RepairRequest{
				GraphID: graphID,
				Action:  strings.TrimSpace(action),
				Subject: subject,
				DryRun:  !commit,
				Confirm: confirm,
			})
			if err != nil {
				if relaygraph.Code(err) == "unavailable" {
					logger.Error("repair failed", zap.String("action", action), zap.Error(err))
				}
				return fmt.Errorf("repair %s: %w", action, err)
			}
			return writeIndentedJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&graphID, "graph", "", "graph (tenant) id")
	cmd.Flags().StringVar(&action, "action", "", "repair action, e.g. delete-orphans")
	cmd.Flags().StringVar(&subject, "subject", "", "subject the repair runs as; needs the owner role")
	cmd.Flags().BoolVar(&commit, "commit", false, "apply the action instead of previewing it")
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation token for committed runs")
	_ = cmd.MarkFlagRequired("graph")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// loadCLIPolicy reads the policy file once; the CLI does not watch it.
func loadCLIPolicy(cfg *config.Config, required bool) (*accessgate.Policy, error) {
	path := strings.TrimSpace(cfg.Access.PolicyFile)
	if path == "" {
		if required {
			return nil, fmt.Errorf("access.policy_file is required")
		}
		return nil, nil
	}
	return accessgate.LoadPolicy(path)
}

func gateOrNil(policy *accessgate.Policy) relaygraph.AccessGate {
	if policy == nil {
		return nil
	}
	return policy
}

func writeIndentedJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
