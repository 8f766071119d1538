package detection

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sentinelops/aegis/internal/models"
)

// SyntheticSource generates a deterministic, seeded stream of background
// traffic with optional injected attack bursts. It powers the demo mode and
// load testing; runs with the same seed produce the same packets.
type SyntheticSource struct {
	mu     sync.Mutex
	rng    *rand.Rand
	rate   time.Duration
	now    float64
	bursts []burst
	closed bool
}

type burst struct {
	srcIP     string
	dstIP     string
	packets   int
	remaining int
	size      int64
}

// NewSyntheticSource creates a generator emitting roughly one packet per
// interval, timestamped on a synthetic clock starting at start.
func NewSyntheticSource(seed int64, interval time.Duration, start time.Time) *SyntheticSource {
	return &SyntheticSource{
		rng:  rand.New(rand.NewSource(seed)),
		rate: interval,
		now:  float64(start.UnixNano()) / 1e9,
	}
}

// InjectBurst schedules a high-volume flow from srcIP to dstIP, the shape a
// scanner or exfiltration channel produces.
func (s *SyntheticSource) InjectBurst(srcIP, dstIP string, packets int, bytesPerPacket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bursts = append(s.bursts, burst{
		srcIP: srcIP, dstIP: dstIP,
		packets: packets, remaining: packets,
		size: bytesPerPacket,
	})
}

// Next implements PacketSource. Calls pace themselves to roughly the
// configured interval so demo traffic arrives in real time.
func (s *SyntheticSource) Next(ctx context.Context) (models.Packet, error) {
	if s.rate > 0 {
		select {
		case <-ctx.Done():
			return models.Packet{}, ctx.Err()
		case <-time.After(s.rate):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Packet{}, context.Canceled
	}

	// Burst packets preempt background traffic and arrive densely.
	for i := range s.bursts {
		b := &s.bursts[i]
		if b.remaining > 0 {
			b.remaining--
			s.now += 0.01
			return models.Packet{
				TS:      s.now,
				SrcIP:   b.srcIP,
				DstIP:   b.dstIP,
				Proto:   "tcp",
				SrcPort: 44000 + uint16(i),
				DstPort: 443,
				Size:    b.size,
				Flags:   0x18, // PSH+ACK
			}, nil
		}
	}

	adv := s.rate.Seconds()
	if adv <= 0 {
		adv = 0.05
	}
	s.now += adv * (0.5 + s.rng.Float64())
	src := net.IPv4(10, 0, byte(s.rng.Intn(4)), byte(1+s.rng.Intn(250)))
	dst := net.IPv4(10, 0, byte(s.rng.Intn(4)), byte(1+s.rng.Intn(250)))
	proto := "tcp"
	if s.rng.Intn(4) == 0 {
		proto = "udp"
	}
	return models.Packet{
		TS:      s.now,
		SrcIP:   src.String(),
		DstIP:   dst.String(),
		Proto:   proto,
		SrcPort: uint16(1024 + s.rng.Intn(60000)),
		DstPort: uint16([]int{53, 80, 123, 443, 8080}[s.rng.Intn(5)]),
		Size:    int64(60 + s.rng.Intn(1400)),
		Flags:   0x10,
	}, nil
}

// Close implements PacketSource.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
