package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"A2A-Chain/internal/agent"
)

var scoreCmd = &cobra.Command{
	Use:   "score <agent-id>...",
	Short: "计算并输出智能体的信誉分与投票权重",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		cfg.Cache.Driver = "none"
		dir, _, err := newDirectory(ctx, cfg, st)
		if err != nil {
			return err
		}

		type report struct {
			Reputation agent.Reputation `json:"reputation"`
			Stake      agent.Stake      `json:"stake"`
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for _, id := range args {
			a, err := dir.Agent(ctx, id)
			if err != nil {
				return err
			}
			rep, err := dir.Reputation(ctx, a)
			if err != nil {
				return err
			}
			stake, err := dir.Stake(ctx, a)
			if err != nil {
				return err
			}
			if err := enc.Encode(report{Reputation: rep, Stake: stake}); err != nil {
				return err
			}
		}
		return nil
	},
}
