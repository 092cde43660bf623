// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package consumer drains classifier events and turns them into enforcement
// decisions that are too expensive for the packet path, chiefly
// proof-of-work verification.
package consumer

import (
	"context"

	"github.com/simplestaking/bpf-firewall/internal/ebpf/types"
	"github.com/simplestaking/bpf-firewall/internal/firewall/pow"
	"github.com/simplestaking/bpf-firewall/internal/firewall/store"
	"github.com/simplestaking/bpf-firewall/internal/logging"
	"github.com/simplestaking/bpf-firewall/internal/metrics"
)

// EventSourceName is the only source whose batches are processed. Anything
// else on the channel is logged and discarded.
const EventSourceName = "events"

// Batch is a named group of raw fixed-size event records in delivery order.
type Batch struct {
	Source  string
	Records [][]byte
}

// Consumer validates proof of work and raises blacklist entries.
type Consumer struct {
	store     *store.Store
	validator *pow.Validator
	log       *logging.Logger
	metrics   *metrics.Metrics
}

// New creates a consumer.
func New(st *store.Store, validator *pow.Validator, log *logging.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{
		store:     st,
		validator: validator,
		log:       log,
		metrics:   m,
	}
}

// Run processes batches until the channel closes or the context ends.
func (c *Consumer) Run(ctx context.Context, batches <-chan Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-batches:
			if !ok {
				return
			}
			c.HandleBatch(batch)
		}
	}
}

// HandleBatch processes one batch. Records are handled strictly in delivery
// order; a malformed record is logged and skipped, it never stops the batch.
func (c *Consumer) HandleBatch(batch Batch) {
	if batch.Source != EventSourceName {
		c.log.Warn("Ignoring batch from unknown event source", "source", batch.Source)
		c.metrics.DecodeErrors.WithLabelValues("unknown_source").Inc()
		return
	}

	for _, record := range batch.Records {
		event, err := types.DecodeEvent(record)
		if err != nil {
			c.log.Error("Failed to decode event record", "error", err, "len", len(record))
			c.metrics.DecodeErrors.WithLabelValues("event").Inc()
			continue
		}
		c.handleEvent(event)
	}
}

func (c *Consumer) handleEvent(event types.Event) {
	c.metrics.Events.WithLabelValues(event.Class.Kind.String()).Inc()
	remote := event.Pair.Remote

	switch event.Class.Kind {
	case types.KindReceivedPow:
		if err := c.validator.Validate(event.Class.Pow[:]); err != nil {
			c.log.Info("Proof of work rejected",
				"remote", remote.String(),
				"complexity", pow.Complexity(event.Class.Pow[:]),
				"target", c.validator.Target())
			c.block(remote.IPv4, types.BadProofOfWork)
			return
		}
		c.log.Info("Proof of work is valid",
			"remote", remote.String(), "target", c.validator.Target())

	case types.KindNotEnoughBytesForPow:
		// Incomplete evidence is failure, immediately. Never deferred.
		c.log.Info("Received proof of work too short", "remote", remote.String())
		c.block(remote.IPv4, types.BadProofOfWork)

	case types.KindBlockedAlreadyConnected:
		c.log.Info("Second connection attempt from connected address",
			"already_connected", event.Class.AlreadyConnected.String(),
			"try_connect", event.Class.TryConnect.String())
		c.block(remote.IPv4, types.AlreadyConnected)
	}
}

func (c *Consumer) block(ip [4]byte, reason types.BlockingReason) {
	if err := c.store.Block(ip, reason); err != nil {
		c.log.Error("Failed to update blacklist", "error", err, "reason", reason.String())
	}
}
