package supervisor

import (
	"bytes"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimitPerSecond = 50
	rateLimitBurstSize = 100
	maxLogLineLength   = 2000

	dropReportInterval = 2 * time.Second
	truncatedSuffix    = "…[truncated]"
)

// processLogWriter relays a child's output stream into the daemon log, one
// line per entry, tagged "[kind:stream]". Lines over the rate limit are
// counted and summarised periodically.
type processLogWriter struct {
	tag     string
	logf    func(format string, args ...any)
	limiter *rate.Limiter

	mu         sync.Mutex
	pending    bytes.Buffer
	dropped    int
	reportedAt time.Time
}

func newProcessLogWriter(kind, stream string) *processLogWriter {
	return &processLogWriter{
		tag:        "[" + kind + ":" + stream + "] ",
		logf:       log.Printf,
		limiter:    rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurstSize),
		reportedAt: time.Now(),
	}
}

func (w *processLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		idx := bytes.IndexByte(w.pending.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(w.pending.Next(idx + 1))
		w.relayLocked(line[:idx])
	}
	return len(p), nil
}

// Close flushes a trailing partial line and reports outstanding drops.
func (w *processLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending.Len() > 0 {
		w.relayLocked(w.pending.String())
		w.pending.Reset()
	}
	w.reportDropsLocked(true)
	return nil
}

func (w *processLogWriter) relayLocked(line string) {
	w.reportDropsLocked(false)

	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	if !w.limiter.Allow() {
		w.dropped++
		return
	}
	msg, _ := truncateLogLine(line, maxLogLineLength)
	w.logf("%s%s", w.tag, msg)
}

func (w *processLogWriter) reportDropsLocked(force bool) {
	if w.dropped == 0 {
		return
	}
	if !force && time.Since(w.reportedAt) < dropReportInterval {
		return
	}
	w.logf("%srate limit exceeded: %d lines dropped", w.tag, w.dropped)
	w.dropped = 0
	w.reportedAt = time.Now()
}

// truncateLogLine caps line at max runes, marking the cut.
func truncateLogLine(line string, max int) (string, bool) {
	if max <= 0 || len(line) <= max {
		return line, false
	}
	runes := []rune(line)
	if len(runes) <= max {
		return line, false
	}
	keep := max - len([]rune(truncatedSuffix))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + truncatedSuffix, true
}
