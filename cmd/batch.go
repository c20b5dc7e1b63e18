package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"cloudsync/internal/fs"
	syncer "cloudsync/internal/sync"
)

var starOff bool

var rmCmd = &cobra.Command{
	Use:   "rm <远端路径>...",
	Short: "删除文件或目录",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		return applyBatch(command, syncer.Delete{}, args)
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <目标目录> <远端路径>...",
	Short: "移动到目标目录",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(command *cobra.Command, args []string) error {
		return applyBatch(command, syncer.Move{DestDir: args[0]}, args[1:])
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp <目标目录> <远端路径>...",
	Short: "复制到目标目录",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(command *cobra.Command, args []string) error {
		return applyBatch(command, syncer.Copy{DestDir: args[0]}, args[1:])
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <远端路径> <新名称>",
	Short: "在原目录内改名",
	Args:  cobra.ExactArgs(2),
	RunE: func(command *cobra.Command, args []string) error {
		return applyBatch(command, syncer.Rename{NewName: args[1]}, args[:1])
	},
}

var starCmd = &cobra.Command{
	Use:   "star <远端路径>...",
	Short: "收藏 (--off 取消收藏)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		return applyBatch(command, syncer.SetStarred{Starred: !starOff}, args)
	},
}

func init() {
	starCmd.Flags().BoolVar(&starOff, "off", false, "取消收藏")
}

func applyBatch(command *cobra.Command, c syncer.Command, paths []string) error {
	return run(command, func(ctx context.Context, a *app) error {
		return reportBatch(command.OutOrStdout(), a.engine.ApplyBatch(ctx, c, paths))
	})
}

// reportBatch 输出每个失败项与汇总，存在失败项时返回错误
func reportBatch(w io.Writer, res syncer.BatchResult) error {
	for _, p := range res.FailedPaths() {
		fmt.Fprintf(w, "失败 %s: %s (%s)\n", p, fs.Message(res.Errors[p]), res.Failed[p])
	}
	fmt.Fprintln(w, res.Summary())
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d 项操作失败", len(res.Failed))
	}
	return nil
}
