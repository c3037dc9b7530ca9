package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"A2A-Chain/internal/config"
	"A2A-Chain/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "对 SQL 存储执行内嵌迁移",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver == "memory" {
			return fmt.Errorf("memory 存储无需迁移")
		}
		// OpenSQL 在连接后会执行全部迁移。
		st, err := store.OpenSQL(cmd.Context(), store.Config{
			Driver:          cfg.Storage.Driver,
			DSN:             cfg.Storage.DSN,
			ConnMaxLifetime: config.Seconds(cfg.Storage.ConnMaxLifetimeSeconds),
		})
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s 存储迁移完成\n", cfg.Storage.Driver)
		return nil
	},
}
