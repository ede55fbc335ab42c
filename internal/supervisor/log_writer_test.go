package supervisor

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

type capturedLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *capturedLog) logf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func TestProcessLogWriterSplitsLines(t *testing.T) {
	out := &capturedLog{}
	w := newProcessLogWriter("proxy", "stdout")
	w.logf = out.logf

	fmt.Fprint(w, "first li")
	fmt.Fprint(w, "ne\r\nsecond\n\npartial")
	w.Close()

	want := []string{"[proxy:stdout] first line", "[proxy:stdout] second", "[proxy:stdout] partial"}
	if strings.Join(out.lines, "|") != strings.Join(want, "|") {
		t.Fatalf("lines = %q, want %q", out.lines, want)
	}
}

func TestProcessLogWriterRateLimits(t *testing.T) {
	out := &capturedLog{}
	w := newProcessLogWriter("copilot", "stderr")
	w.logf = out.logf

	for i := 0; i < rateLimitBurstSize+50; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}
	w.Close()

	if len(out.lines) > rateLimitBurstSize+10 {
		t.Fatalf("logged %d lines, rate limit not applied", len(out.lines))
	}
	last := out.lines[len(out.lines)-1]
	if !strings.Contains(last, "lines dropped") {
		t.Fatalf("drop report missing, last line %q", last)
	}
}

func TestTruncateLogLine(t *testing.T) {
	long := strings.Repeat("x", maxLogLineLength+10)
	got, truncated := truncateLogLine(long, maxLogLineLength)
	if !truncated || len([]rune(got)) != maxLogLineLength || !strings.HasSuffix(got, truncatedSuffix) {
		t.Fatalf("truncated=%v len=%d", truncated, len([]rune(got)))
	}
	if got, truncated := truncateLogLine("short", maxLogLineLength); truncated || got != "short" {
		t.Fatalf("short line changed: %q", got)
	}
}
