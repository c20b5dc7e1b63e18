// Package cmd 命令行入口
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath = "config/config.yaml"

// Root 根命令
var Root = &cobra.Command{
	Use:          "cloudsync",
	Short:        "网盘客户端: 目录缓存、预览缓存、断点续传上传与批量操作",
	SilenceUsage: true,
}

func init() {
	Root.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "配置文件路径")
	Root.AddCommand(lsCmd, uploadCmd, resumeCmd, previewCmd)
	Root.AddCommand(rmCmd, mvCmd, cpCmd, renameCmd, starCmd)
}

// Execute 执行根命令，收到 SIGINT/SIGTERM 时取消上下文
// 进行中的上传会保留断点，之后可用 resume 继续
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := Root.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// run 组装组件后执行 fn，结束时释放
func run(command *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(command.Context(), a)
}
