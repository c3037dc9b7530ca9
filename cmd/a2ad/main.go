package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"A2A-Chain/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "a2ad",
	Short:         "A2A 共识与托管守护进程",
	Long:          `a2ad 为自治智能体提供信誉加权共识、里程碑托管、争议仲裁与消息路由。`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认读取环境变量 "+config.EnvPath)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(releaseCmd)
}

// main 是 A2A 守护进程的入口。
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "a2ad 运行失败:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvPath)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
