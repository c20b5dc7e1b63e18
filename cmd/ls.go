package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"cloudsync/internal/fs"
)

var (
	lsRefresh bool
	lsStale   bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [远端目录]",
	Short: "列出远端目录",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		dir := "/"
		if len(args) == 1 {
			dir = fs.CleanPath(args[0])
		}
		return run(command, func(ctx context.Context, a *app) error {
			var (
				items []fs.FileItem
				err   error
			)
			switch {
			case lsRefresh:
				items, err = a.engine.RefreshFiles(ctx, dir)
			case lsStale:
				items, err = a.engine.LoadFilesAllowStale(ctx, dir)
			default:
				items, err = a.engine.LoadFilesIfNeeded(ctx, dir)
			}
			if err != nil {
				return err
			}
			printItems(command.OutOrStdout(), items)
			return nil
		})
	},
}

func init() {
	lsCmd.Flags().BoolVarP(&lsRefresh, "refresh", "r", false, "忽略缓存，强制从服务端拉取")
	lsCmd.Flags().BoolVar(&lsStale, "stale", false, "接受过期的缓存")
}
