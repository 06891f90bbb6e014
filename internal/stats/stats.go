// Package stats accumulates the run summary and exports the prometheus
// view of it.
package stats

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

var (
	promFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rcp",
		Name:      "files_total",
		Help:      "Files seen by outcome.",
	}, []string{"outcome"})
	promBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rcp",
		Name:      "bytes_copied_total",
		Help:      "Payload bytes copied.",
	})
	promDirs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rcp",
		Name:      "dirs_total",
		Help:      "Directories seen by outcome.",
	}, []string{"outcome"})
	promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rcp",
		Name:      "errors_total",
		Help:      "Non-fatal errors recorded and continued past.",
	})
	// DataConns tracks open data connections on either side.
	DataConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rcp",
		Name:      "data_connections",
		Help:      "Currently open data connections.",
	})
)

// Register attaches the collectors to reg. Call once per process; the
// collectors work unregistered too, so daemons that never scrape skip this.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(promFiles, promBytes, promDirs, promErrors, DataConns)
}

// Counters is the mutable summary of one run. All methods are safe for
// concurrent use.
type Counters struct {
	mu sync.Mutex
	s  wire.Summary
}

func (c *Counters) FileCopied(bytes uint64) {
	c.mu.Lock()
	c.s.FilesCopied++
	c.s.BytesCopied += bytes
	c.mu.Unlock()
	promFiles.WithLabelValues("copied").Inc()
	promBytes.Add(float64(bytes))
}

func (c *Counters) FileSkipped() {
	c.mu.Lock()
	c.s.FilesSkipped++
	c.mu.Unlock()
	promFiles.WithLabelValues("skipped").Inc()
}

func (c *Counters) FileUnchanged() {
	c.mu.Lock()
	c.s.FilesUnchanged++
	c.mu.Unlock()
	promFiles.WithLabelValues("unchanged").Inc()
}

func (c *Counters) FileSkippedExisting() {
	c.mu.Lock()
	c.s.FilesSkippedExisting++
	c.mu.Unlock()
	promFiles.WithLabelValues("skipped_existing").Inc()
}

func (c *Counters) SymlinkCreated() {
	c.mu.Lock()
	c.s.SymlinksCreated++
	c.mu.Unlock()
}

func (c *Counters) SymlinkSkipped() {
	c.mu.Lock()
	c.s.SymlinksSkipped++
	c.mu.Unlock()
}

func (c *Counters) DirCreated() {
	c.mu.Lock()
	c.s.DirsCreated++
	c.mu.Unlock()
	promDirs.WithLabelValues("created").Inc()
}

func (c *Counters) DirFailed() {
	c.mu.Lock()
	c.s.DirsFailed++
	c.mu.Unlock()
	promDirs.WithLabelValues("failed").Inc()
}

func (c *Counters) DirRemoved() {
	c.mu.Lock()
	c.s.DirsRemoved++
	c.mu.Unlock()
	promDirs.WithLabelValues("removed").Inc()
}

func (c *Counters) Error() {
	c.mu.Lock()
	c.s.Errors++
	c.mu.Unlock()
	promErrors.Inc()
}

func (c *Counters) Snapshot() wire.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Format renders s the way the master prints it with --summary.
func Format(s wire.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "files copied:   %d (%s)\n", s.FilesCopied, formatBytes(s.BytesCopied))
	if s.FilesUnchanged > 0 {
		fmt.Fprintf(&b, "files unchanged: %d\n", s.FilesUnchanged)
	}
	if s.FilesSkipped > 0 {
		fmt.Fprintf(&b, "files skipped:  %d\n", s.FilesSkipped)
	}
	if s.FilesSkippedExisting > 0 {
		fmt.Fprintf(&b, "files kept (no overwrite): %d\n", s.FilesSkippedExisting)
	}
	fmt.Fprintf(&b, "symlinks:       %d", s.SymlinksCreated)
	if s.SymlinksSkipped > 0 {
		fmt.Fprintf(&b, " (+%d skipped)", s.SymlinksSkipped)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "directories:    %d", s.DirsCreated)
	if s.DirsFailed > 0 {
		fmt.Fprintf(&b, " (%d failed)", s.DirsFailed)
	}
	if s.DirsRemoved > 0 {
		fmt.Fprintf(&b, " (%d removed)", s.DirsRemoved)
	}
	b.WriteByte('\n')
	if s.Errors > 0 {
		fmt.Fprintf(&b, "errors:         %d\n", s.Errors)
	}
	return b.String()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
