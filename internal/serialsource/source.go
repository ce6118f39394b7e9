// Package serialsource reads newline-delimited ranging reports from a UWB
// gateway attached over a serial port.
package serialsource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
)

// Ingester consumes one report payload.
type Ingester interface {
	Ingest(payload []byte, origin string) bool
}

// Stats counts lines read from the port.
type Stats struct {
	Lines    uint64 `json:"lines"`
	Rejected uint64 `json:"rejected"`
}

// Source scans reports from a port, one JSON object per line.
type Source struct {
	port   io.ReadCloser
	origin string
	ingest Ingester

	lines    atomic.Uint64
	rejected atomic.Uint64
}

// New wraps an already open port. origin is reported as the sender of
// every report.
func New(port io.ReadCloser, origin string, ing Ingester) *Source {
	return &Source{port: port, origin: origin, ingest: ing}
}

// Open opens the serial device at path.
func Open(path string, opts PortOptions, ing Ingester) (*Source, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return New(port, "serial:"+path, ing), nil
}

// Run reads lines until the port is exhausted or ctx is done. It closes the
// port when ctx is cancelled so the blocked read returns.
func (s *Source) Run(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			line := bytes.TrimSpace(scan.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.port.Close()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("serial read: %w", err)
				}
				monitoring.Logf("serial source %s: end of stream", s.origin)
				return nil
			}
			s.lines.Add(1)
			if s.ingest != nil && !s.ingest.Ingest(line, s.origin) {
				s.rejected.Add(1)
			}
		}
	}
}

// Close closes the port.
func (s *Source) Close() error {
	return s.port.Close()
}

// Stats returns the line counters.
func (s *Source) Stats() Stats {
	return Stats{Lines: s.lines.Load(), Rejected: s.rejected.Load()}
}
