package upload

import "time"

// minElapsed 防止两次采样时间相同时速度计算为无穷大或 0
const minElapsed = time.Millisecond

type sample struct {
	at    time.Time
	bytes int64
}

// speedMeter 滑动窗口平均速度
// 保留窗口内的采样，外加窗口开始前的最后一个采样作为基准
type speedMeter struct {
	window  time.Duration
	samples []sample
}

func newSpeedMeter(window time.Duration) *speedMeter {
	return &speedMeter{window: window}
}

// Reset 以 (at, bytes) 作为新的起点
func (m *speedMeter) Reset(at time.Time, bytes int64) {
	m.samples = append(m.samples[:0], sample{at: at, bytes: bytes})
}

// Add 记录一次采样并返回当前速度 (字节/秒)
func (m *speedMeter) Add(at time.Time, bytes int64) float64 {
	m.samples = append(m.samples, sample{at: at, bytes: bytes})
	cutoff := at.Add(-m.window)
	for len(m.samples) > 2 && !m.samples[1].at.After(cutoff) {
		m.samples = m.samples[1:]
	}
	return m.Rate()
}

// Rate 窗口内的平均速度，少于两个采样时为 0
func (m *speedMeter) Rate() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	first, last := m.samples[0], m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	return float64(last.bytes-first.bytes) / elapsed.Seconds()
}
