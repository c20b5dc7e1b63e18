package upload

// Status 上传任务状态
//
//	Pending → Uploading → Merging → Completed
//	Uploading → Failed，Merging → Failed
//	Pending | Uploading → Cancelled
//
// 终态之后不再有任何迁移
type Status int

const (
	Pending Status = iota
	Uploading
	Merging
	Completed
	Failed
	Cancelled
)

var statusNames = [...]string{
	Pending:   "pending",
	Uploading: "uploading",
	Merging:   "merging",
	Completed: "completed",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Cancellable 只有等待中和上传中的任务可以取消
func (s Status) Cancellable() bool {
	return s == Pending || s == Uploading
}

func parseStatus(s string) (Status, bool) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), true
		}
	}
	return 0, false
}
