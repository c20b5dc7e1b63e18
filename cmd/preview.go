package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var previewCachedOnly bool

var previewCmd = &cobra.Command{
	Use:   "preview <远端文件>",
	Short: "获取文件预览的本地 file:// 地址，未缓存时下载",
	Args:  cobra.ExactArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		return run(command, func(ctx context.Context, a *app) error {
			out := command.OutOrStdout()
			if previewCachedOnly {
				u, ok := a.engine.GetCachedPreviewURL(args[0])
				if !ok {
					return fmt.Errorf("预览未缓存: %s", args[0])
				}
				fmt.Fprintln(out, u)
				return nil
			}

			u, err := a.engine.FetchPreview(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, u)
			st := a.engine.PreviewStats()
			limit := "不限"
			if st.MaxBytes > 0 {
				limit = formatSize(st.MaxBytes)
			}
			fmt.Fprintf(out, "预览缓存: %d 项, %s / %s\n", st.Entries, formatSize(st.Bytes), limit)
			return nil
		})
	},
}

func init() {
	previewCmd.Flags().BoolVar(&previewCachedOnly, "cached", false, "只查询缓存，不下载")
}
