package detection

import (
	"math"
	"testing"
	"time"

	"github.com/sentinelops/aegis/internal/models"
)

func pkt(ts float64, src string, size int64) models.Packet {
	return models.Packet{
		TS: ts, SrcIP: src, DstIP: "10.0.0.5", Proto: "tcp",
		SrcPort: 40000, DstPort: 443, Size: size,
	}
}

func TestFlowWelfordMatchesDirectComputation(t *testing.T) {
	table := NewFlowTable(100, time.Minute)
	times := []float64{100.0, 100.5, 100.7, 102.0, 102.1}
	for _, ts := range times {
		table.Upsert(pkt(ts, "10.0.0.1", 100))
	}
	flows := table.Snapshot()
	if len(flows) != 1 {
		t.Fatalf("expected one flow, got %d", len(flows))
	}
	f := flows[0]

	iats := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		iats = append(iats, times[i]-times[i-1])
	}
	var sum float64
	for _, v := range iats {
		sum += v
	}
	mean := sum / float64(len(iats))
	var sq float64
	for _, v := range iats {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(iats)-1))

	if math.Abs(f.IATMean-mean) > 1e-9 {
		t.Fatalf("iat mean: got %v, want %v", f.IATMean, mean)
	}
	if math.Abs(f.IATStd()-std) > 1e-9 {
		t.Fatalf("iat std: got %v, want %v", f.IATStd(), std)
	}
	if f.IATMin != 0.1 && math.Abs(f.IATMin-0.1) > 1e-9 {
		t.Fatalf("iat min: got %v", f.IATMin)
	}
	if math.Abs(f.IATMax-1.3) > 1e-9 {
		t.Fatalf("iat max: got %v", f.IATMax)
	}
}

func TestSinglePacketFlowHasZeroIAT(t *testing.T) {
	table := NewFlowTable(100, time.Minute)
	f, _ := table.Upsert(pkt(100, "10.0.0.1", 1500))
	if f.IATMean != 0 || f.IATStd() != 0 || f.IATMin != 0 || f.IATMax != 0 {
		t.Fatalf("single-packet flow must have zero IAT stats: %+v", f)
	}
	if f.Packets != 1 || f.Bytes != 1500 {
		t.Fatalf("wrong counters: %+v", f)
	}
	if f.FirstSeen != f.LastSeen {
		t.Fatalf("first/last seen must match for a single packet")
	}
}

func TestFlowInvariants(t *testing.T) {
	table := NewFlowTable(100, time.Minute)
	var f *Flow
	for i := 0; i < 10; i++ {
		f, _ = table.Upsert(pkt(100+float64(i), "10.0.0.1", 60))
	}
	if f.LastSeen < f.FirstSeen {
		t.Fatalf("last_seen < first_seen")
	}
	if f.Packets < 1 {
		t.Fatalf("packets < 1")
	}
	if f.Bytes < f.Packets {
		t.Fatalf("bytes < packets")
	}
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	table := NewFlowTable(3, time.Minute)
	table.Upsert(pkt(100, "10.0.0.1", 60))
	table.Upsert(pkt(101, "10.0.0.2", 60))
	table.Upsert(pkt(102, "10.0.0.3", 60))
	// Touch the first flow so the second becomes least recently seen.
	table.Upsert(pkt(103, "10.0.0.1", 60))

	_, evicted := table.Upsert(pkt(104, "10.0.0.4", 60))
	if evicted == nil {
		t.Fatalf("expected an eviction at capacity")
	}
	if evicted.Key.SrcIP != "10.0.0.2" {
		t.Fatalf("evicted wrong flow: %s", evicted.Key.SrcIP)
	}
	if table.Len() != 3 {
		t.Fatalf("table size %d, want 3", table.Len())
	}
}

func TestIdleEviction(t *testing.T) {
	table := NewFlowTable(100, 30*time.Second)
	table.Upsert(pkt(100, "10.0.0.1", 60))
	table.Upsert(pkt(140, "10.0.0.2", 60))

	evicted := table.EvictIdle(141)
	if len(evicted) != 1 || evicted[0].Key.SrcIP != "10.0.0.1" {
		t.Fatalf("expected only the idle flow evicted, got %+v", evicted)
	}
	if table.Len() != 1 {
		t.Fatalf("active flow should remain")
	}
}
