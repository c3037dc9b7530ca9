package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"A2A-Chain/internal/escrow"
)

var releaseOperation string

var releaseCmd = &cobra.Command{
	Use:   "release <escrow-id>",
	Short: "撤销托管上滞留的操作预留",
	Long: `release 清除托管的 pending_operation 标记，使其可以继续结算或过期。
执行前请先在账本上核对该操作对应的付款：已上链但未落库的付款必须先人工补记。`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver == "memory" {
			return fmt.Errorf("memory 存储不保留托管状态，无需撤销预留")
		}
		if err := initLogger(cfg); err != nil {
			return err
		}
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		// 撤销预留只读写存储，不需要目录与账本。
		e, err := escrow.New(st, nil, nil).ClearReservation(ctx, args[0], releaseOperation)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	},
}

func init() {
	releaseCmd.Flags().StringVar(&releaseOperation, "operation", "", "仅当当前预留与该操作一致时撤销")
}
