// Package archive periodically exports every stream as JSONL and writes the
// export to one or more destinations (S3, a local file).
package archive

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/rivernode/internal/metrics"
)

// Destination receives a complete export.
type Destination interface {
	// Name identifies the destination in logs and metrics.
	Name() string
	Write(ctx context.Context, data []byte) error
}

// Report summarizes one archive pass.
type Report struct {
	Streams int
	Bytes   int
	// Failed maps destination name to its write error.
	Failed map[string]error
}

// Scheduler exports the stream log on a fixed interval.
type Scheduler struct {
	source   Source
	dests    []Destination
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(src Source, dests []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{source: src, dests: dests, interval: interval, logger: logger}
}

// Run archives at startup, on every tick and once more after ctx is done,
// so a clean shutdown leaves an up-to-date archive. It always returns nil;
// archive failures never stop the node.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Once(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Once(context.WithoutCancel(ctx))
			return nil
		case <-t.C:
			s.Once(ctx)
		}
	}
}

// Once exports and writes to all destinations concurrently. A failing
// destination is logged and reported but does not affect the others.
func (s *Scheduler) Once(ctx context.Context) Report {
	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, s.source, &buf)
	if err != nil {
		s.logger.Error("archive export", "err", err)
		metrics.ArchiveRunsTotal.WithLabelValues("export", "error").Inc()
		return Report{}
	}
	rep := Report{Streams: n, Bytes: buf.Len(), Failed: map[string]error{}}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, d := range s.dests {
		g.Go(func() error {
			start := time.Now()
			err := d.Write(ctx, buf.Bytes())
			result := "ok"
			if err != nil {
				result = "error"
				s.logger.Error("archive write", "destination", d.Name(), "err", err)
				mu.Lock()
				rep.Failed[d.Name()] = err
				mu.Unlock()
			}
			metrics.ArchiveRunsTotal.WithLabelValues(d.Name(), result).Inc()
			metrics.ArchiveDuration.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("archive pass", "streams", rep.Streams, "bytes", rep.Bytes,
		"destinations", len(s.dests), "failed", len(rep.Failed))
	return rep
}
