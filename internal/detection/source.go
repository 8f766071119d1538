// Package detection turns raw packets into scored alerts. A single ingest
// worker aggregates packets into flows; flows are flushed to feature vectors
// on eviction, idle timeout, or a periodic flush; vectors are scored in
// micro-batches by a pool of workers; scores that clear the emit threshold
// become alerts on the bus.
package detection

import (
	"context"
	"io"

	"github.com/sentinelops/aegis/internal/models"
)

// PacketSource yields parsed L3/L4 records. The engine never references a
// capture library directly; live capture, offline replay, and synthetic
// generation are all adapters behind this interface.
type PacketSource interface {
	// Next blocks for the next packet. It returns io.EOF when the source is
	// exhausted; the engine then goes idle but keeps its subscriptions live.
	Next(ctx context.Context) (models.Packet, error)
	Close() error
}

// SliceSource replays a fixed set of packets, mainly for tests and offline
// analysis of pre-parsed traces.
type SliceSource struct {
	packets []models.Packet
	pos     int
}

// NewSliceSource wraps packets in a PacketSource.
func NewSliceSource(packets []models.Packet) *SliceSource {
	return &SliceSource{packets: packets}
}

// Next implements PacketSource.
func (s *SliceSource) Next(ctx context.Context) (models.Packet, error) {
	if err := ctx.Err(); err != nil {
		return models.Packet{}, err
	}
	if s.pos >= len(s.packets) {
		return models.Packet{}, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return p, nil
}

// Close implements PacketSource.
func (s *SliceSource) Close() error { return nil }
