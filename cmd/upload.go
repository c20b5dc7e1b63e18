package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cloudsync/internal/fs"
	"cloudsync/internal/fs/local"
	"cloudsync/internal/upload"
)

// progressInterval 进度输出间隔
const progressInterval = time.Second

var uploadCmd = &cobra.Command{
	Use:   "upload <本地文件或目录> <远端路径>",
	Short: "上传文件或目录，中断后可用 resume 继续",
	Long: `上传本地文件或整个目录。

远端路径以 "/" 结尾时视为目录，文件保留原名上传到该目录下。
上传目录时保持相对结构。`,
	Args: cobra.ExactArgs(2),
	RunE: func(command *cobra.Command, args []string) error {
		return run(command, func(ctx context.Context, a *app) error {
			jobs, err := uploadJobs(a.localFS, args[0], args[1])
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(command.OutOrStdout(), "没有需要上传的文件")
				return nil
			}

			handles := make([]*upload.Handle, 0, len(jobs))
			for _, j := range jobs {
				h, err := a.engine.EnqueueUpload(ctx, j.source, j.dest)
				if err != nil {
					return fmt.Errorf("提交上传任务失败 %s: %w", j.source, err)
				}
				handles = append(handles, h)
			}
			return waitUploads(ctx, command.OutOrStdout(), handles)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "继续上次中断的上传",
	Args:  cobra.NoArgs,
	RunE: func(command *cobra.Command, args []string) error {
		return run(command, func(ctx context.Context, a *app) error {
			handles, err := a.engine.ResumeUploads(ctx)
			if err != nil {
				return err
			}
			if len(handles) == 0 {
				fmt.Fprintln(command.OutOrStdout(), "没有需要恢复的上传任务")
				return nil
			}
			return waitUploads(ctx, command.OutOrStdout(), handles)
		})
	},
}

type uploadJob struct {
	source string // 本地路径
	dest   string // 远端路径
}

// uploadJobs 展开本地路径为若干上传任务
// 本地路径统一转为绝对路径，断点恢复不依赖当前工作目录
func uploadJobs(localFS *local.Adapter, src, dest string) ([]uploadJob, error) {
	src, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("无法访问本地路径: %w", err)
	}

	if !info.IsDir() {
		if strings.HasSuffix(dest, "/") {
			dest = fs.Join(dest, filepath.Base(src))
		}
		return []uploadJob{{source: src, dest: fs.CleanPath(dest)}}, nil
	}

	files, err := localFS.ListFiles(src)
	if err != nil {
		return nil, err
	}
	jobs := make([]uploadJob, 0, len(files))
	for _, rel := range files {
		jobs = append(jobs, uploadJob{
			source: filepath.Join(src, filepath.FromSlash(rel)),
			dest:   fs.Join(dest, rel),
		})
	}
	return jobs, nil
}

// waitUploads 等待所有任务结束，期间定时输出汇总进度
// ctx 被取消时直接返回，未完成的任务由引擎关闭时保留断点
func waitUploads(ctx context.Context, w io.Writer, handles []*upload.Handle) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for _, h := range handles {
	wait:
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintln(w, "已中断，未完成的任务可通过 resume 继续")
				return ctx.Err()
			case <-h.Done():
				break wait
			case <-ticker.C:
				fmt.Fprintln(w, formatTotals(snapshots(handles)))
			}
		}
	}

	failed := 0
	for _, p := range snapshots(handles) {
		fmt.Fprintln(w, formatProgress(p))
		if p.Status != upload.Completed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d 个上传任务未完成", failed)
	}
	return nil
}

func snapshots(handles []*upload.Handle) []upload.Progress {
	out := make([]upload.Progress, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	return out
}
