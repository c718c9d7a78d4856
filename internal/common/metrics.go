package common

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Metrics counts apply outcomes. It is safe for concurrent use.
type Metrics struct {
	mu        sync.Mutex
	start     time.Time
	end       time.Time
	applies   int64
	failures  map[string]int64
	ops       int64
	bytes     int64
	totalJobs int64
	doneJobs  int64
}

func NewMetrics() *Metrics {
	return &Metrics{failures: map[string]int64{}}
}

func (m *Metrics) Start() {
	m.mu.Lock()
	if m.start.IsZero() {
		m.start = time.Now()
		m.end = time.Time{}
	}
	m.mu.Unlock()
}

func (m *Metrics) Stop() {
	m.mu.Lock()
	if !m.start.IsZero() && m.end.IsZero() {
		m.end = time.Now()
	}
	m.mu.Unlock()
}

// RecordApply counts one finished apply. An empty failureKind is a success.
func (m *Metrics) RecordApply(ops int, size int64, failureKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doneJobs++
	if failureKind != "" {
		m.failures[failureKind]++
		return
	}
	m.applies++
	m.ops += int64(ops)
	if size > 0 {
		m.bytes += size
	}
}

// SetTotalJobs sets the denominator shown by the progress printer.
func (m *Metrics) SetTotalJobs(n int) {
	m.mu.Lock()
	m.totalJobs = int64(n)
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	failures := make(map[string]int64, len(m.failures))
	var failed int64
	for k, v := range m.failures {
		failures[k] = v
		failed += v
	}
	return MetricsSnapshot{
		Duration:  m.elapsedLocked(),
		Applies:   m.applies,
		Failed:    failed,
		Failures:  failures,
		Ops:       m.ops,
		Bytes:     m.bytes,
		TotalJobs: m.totalJobs,
		DoneJobs:  m.doneJobs,
	}
}

func (m *Metrics) elapsedLocked() time.Duration {
	if m.start.IsZero() {
		return 0
	}
	if !m.end.IsZero() {
		return m.end.Sub(m.start)
	}
	return time.Since(m.start)
}

type MetricsSnapshot struct {
	Duration  time.Duration    `json:"duration"`
	Applies   int64            `json:"applies"`
	Failed    int64            `json:"failed"`
	Failures  map[string]int64 `json:"failures,omitempty"`
	Ops       int64            `json:"ops"`
	Bytes     int64            `json:"bytes"`
	TotalJobs int64            `json:"totalJobs,omitempty"`
	DoneJobs  int64            `json:"doneJobs"`
}

func (s MetricsSnapshot) Completion() float64 {
	if s.TotalJobs <= 0 {
		return 0
	}
	ratio := float64(s.DoneJobs) / float64(s.TotalJobs)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// String renders a one-line summary.
func (s MetricsSnapshot) String() string {
	line := fmt.Sprintf("%d applied, %d failed, %s ops, %s patched in %s",
		s.Applies, s.Failed, humanize.Comma(s.Ops), humanize.IBytes(uint64(s.Bytes)), s.Duration.Round(time.Millisecond))
	if len(s.Failures) == 0 {
		return line
	}
	kinds := make([]string, 0, len(s.Failures))
	for k := range s.Failures {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.Failures[k]))
	}
	return line + " (" + strings.Join(parts, ", ") + ")"
}

// FormatBytes renders n as IEC units.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatProgressLine(s MetricsSnapshot) string {
	if s.TotalJobs > 0 {
		return fmt.Sprintf("Progress: %6.2f%% (%d / %d) %d failed, %s patched",
			s.Completion()*100, s.DoneJobs, s.TotalJobs, s.Failed, FormatBytes(s.Bytes))
	}
	return fmt.Sprintf("Processed: %d, %d failed, %s patched", s.DoneJobs, s.Failed, FormatBytes(s.Bytes))
}

// StartProgressPrinter redraws a progress line on w every interval until the
// returned stop function is called.
func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) func() {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastLen := 0
		for {
			select {
			case <-ticker.C:
				line := formatProgressLine(m.Snapshot())
				pad := lastLen - len(line)
				if pad > 0 {
					line += strings.Repeat(" ", pad)
				}
				fmt.Fprintf(w, "\r%s", line)
				lastLen = len(line)
			case <-done:
				if lastLen > 0 {
					fmt.Fprintf(w, "\r%s\r\n", strings.Repeat(" ", lastLen))
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
