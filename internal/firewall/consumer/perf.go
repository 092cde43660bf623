// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package consumer

import (
	"context"
	"errors"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"

	"github.com/simplestaking/bpf-firewall/internal/logging"
)

// PerfSource feeds the consumer from the kernel perf buffer backing the
// events map.
type PerfSource struct {
	reader *perf.Reader
	log    *logging.Logger
}

// NewPerfSource opens a perf reader on the events map.
func NewPerfSource(eventsMap *ebpf.Map, log *logging.Logger) (*PerfSource, error) {
	reader, err := perf.NewReader(eventsMap, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	return &PerfSource{reader: reader, log: log}, nil
}

// Run forwards perf records as single-record batches until the context is
// cancelled or the reader is closed. Lost samples are logged; the records
// that did arrive still flow in delivery order.
func (p *PerfSource) Run(ctx context.Context, out chan<- Batch) {
	go func() {
		<-ctx.Done()
		p.reader.Close()
	}()

	p.log.Info("Started event reader")

	for {
		record, err := p.reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				p.log.Debug("Event reader closed")
				return
			}
			p.log.Debug("Event read error", "error", err)
			continue
		}

		if record.LostSamples > 0 {
			p.log.Warn("Lost event samples", "count", record.LostSamples)
		}
		if len(record.RawSample) == 0 {
			continue
		}

		select {
		case out <- Batch{Source: EventSourceName, Records: [][]byte{record.RawSample}}:
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the underlying reader.
func (p *PerfSource) Close() error {
	return p.reader.Close()
}
