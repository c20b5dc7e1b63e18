package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSpeedMeterSlidingWindow(t *testing.T) {
	m := newSpeedMeter(5 * time.Second)
	start := time.Unix(0, 0)
	m.Reset(start, 0)
	assert.Zero(t, m.Rate())

	assert.InDelta(t, 100.0, m.Add(start.Add(time.Second), 100), 0.001)
	assert.InDelta(t, 100.0, m.Add(start.Add(2*time.Second), 200), 0.001)

	// 窗口外的采样被丢弃，只保留窗口开始前的最后一个作为基准
	m.Add(start.Add(10*time.Second), 1200)
	m.Add(start.Add(11*time.Second), 2200)
	rate := m.Add(start.Add(12*time.Second), 3200)
	assert.Equal(t, start.Add(2*time.Second), m.samples[0].at)
	assert.InDelta(t, 3000.0/10.0, rate, 0.001)

	rate = m.Add(start.Add(16*time.Second), 7200)
	assert.Equal(t, start.Add(11*time.Second), m.samples[0].at)
	assert.InDelta(t, 5000.0/5.0, rate, 0.001)
}

func TestSpeedMeterSameInstant(t *testing.T) {
	m := newSpeedMeter(time.Second)
	now := time.Unix(0, 0)
	m.Reset(now, 0)
	assert.Greater(t, m.Add(now, 1024), 0.0)
}
