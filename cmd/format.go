package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"cloudsync/internal/fs"
	"cloudsync/internal/upload"
)

const timeLayout = "2006-01-02 15:04"

// formatSize 人类可读的大小，负数表示未知
func formatSize(n int64) string {
	if n < 0 {
		return "-"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printItems(w io.Writer, items []fs.FileItem) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, it := range items {
		kind, size := "-", formatSize(it.Size)
		if it.IsDir {
			kind, size = "d", "-"
		}
		star := " "
		if it.IsStarred {
			star = "*"
		}
		modified := "-"
		if !it.ModifiedAt.IsZero() {
			modified = it.ModifiedAt.Local().Format(timeLayout)
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\t%s\n", kind, star, size, modified, it.Name)
	}
	tw.Flush()
}

// formatProgress 单个任务的一行状态
func formatProgress(p upload.Progress) string {
	line := fmt.Sprintf("[%s] %s %s/%s %3.0f%%",
		p.Status, p.DestinationPath,
		formatSize(p.BytesTransferred), formatSize(p.TotalBytes), p.Fraction()*100)
	if p.Status == upload.Uploading && p.SpeedBytesPerSec > 0 {
		line += fmt.Sprintf(" %s/s", formatSize(int64(p.SpeedBytesPerSec)))
	}
	if p.ErrorMessage != "" {
		line += ": " + p.ErrorMessage
	}
	return line
}

// formatTotals 所有任务的汇总进度
func formatTotals(ps []upload.Progress) string {
	var (
		done, total int64
		speed       float64
		finished    int
	)
	for _, p := range ps {
		done += p.BytesTransferred
		total += p.TotalBytes
		speed += p.SpeedBytesPerSec
		if p.Status.Terminal() {
			finished++
		}
	}
	return fmt.Sprintf("%d/%d 个任务结束, %s/%s, %s/s",
		finished, len(ps), formatSize(done), formatSize(total), formatSize(int64(speed)))
}
