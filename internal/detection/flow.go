package detection

import (
	"container/list"
	"time"

	"github.com/sentinelops/aegis/internal/models"
)

// FlowKey identifies a unidirectional flow.
type FlowKey struct {
	SrcIP   string
	DstIP   string
	Proto   string
	SrcPort uint16
	DstPort uint16
}

// Flow is the per-key aggregate updated on every packet. Inter-arrival
// statistics use Welford's online algorithm so variance never needs the
// packet history.
type Flow struct {
	Key       FlowKey
	Packets   int64
	Bytes     int64
	FirstSeen float64
	LastSeen  float64
	FlagsSeen uint8

	// Welford state over inter-arrival times. IATCount is Packets-1.
	IATCount int64
	IATMean  float64
	iatM2    float64
	IATMin   float64
	IATMax   float64
}

// update folds one packet into the aggregate.
func (f *Flow) update(p models.Packet) {
	if f.Packets > 0 {
		iat := p.TS - f.LastSeen
		if iat < 0 {
			iat = 0
		}
		f.IATCount++
		delta := iat - f.IATMean
		f.IATMean += delta / float64(f.IATCount)
		f.iatM2 += delta * (iat - f.IATMean)
		if f.IATCount == 1 || iat < f.IATMin {
			f.IATMin = iat
		}
		if iat > f.IATMax {
			f.IATMax = iat
		}
	} else {
		f.FirstSeen = p.TS
	}
	f.Packets++
	f.Bytes += p.Size
	if p.TS > f.LastSeen {
		f.LastSeen = p.TS
	}
	f.FlagsSeen |= p.Flags
}

// IATStd returns the sample standard deviation of inter-arrival times.
// A flow with fewer than two packets has no inter-arrival times and reports 0.
func (f *Flow) IATStd() float64 {
	if f.IATCount < 2 {
		return 0
	}
	return sqrt(f.iatM2 / float64(f.IATCount-1))
}

// FlowTable tracks active flows with LRU eviction. It is owned by the single
// ingest worker; no method is safe for concurrent use.
type FlowTable struct {
	maxFlows    int
	idleTimeout time.Duration
	flows       map[FlowKey]*list.Element
	lru         *list.List // front = most recently seen
}

// NewFlowTable creates a table bounded at maxFlows entries.
func NewFlowTable(maxFlows int, idleTimeout time.Duration) *FlowTable {
	return &FlowTable{
		maxFlows:    maxFlows,
		idleTimeout: idleTimeout,
		flows:       make(map[FlowKey]*list.Element),
		lru:         list.New(),
	}
}

// Upsert folds a packet into its flow, creating the flow on first sight.
// When the table is over capacity the least-recently-seen flow is evicted and
// returned so the caller can flush it for scoring.
func (t *FlowTable) Upsert(p models.Packet) (flow *Flow, evicted *Flow) {
	key := FlowKey{SrcIP: p.SrcIP, DstIP: p.DstIP, Proto: p.Proto, SrcPort: p.SrcPort, DstPort: p.DstPort}
	elem, ok := t.flows[key]
	if !ok {
		f := &Flow{Key: key}
		f.update(p)
		t.flows[key] = t.lru.PushFront(f)
		if len(t.flows) > t.maxFlows {
			evicted = t.evictOldest()
		}
		return f, evicted
	}
	f := elem.Value.(*Flow)
	f.update(p)
	t.lru.MoveToFront(elem)
	return f, nil
}

func (t *FlowTable) evictOldest() *Flow {
	back := t.lru.Back()
	if back == nil {
		return nil
	}
	f := back.Value.(*Flow)
	t.lru.Remove(back)
	delete(t.flows, f.Key)
	return f
}

// EvictIdle removes and returns every flow idle longer than the idle timeout
// relative to now (a packet-clock timestamp).
func (t *FlowTable) EvictIdle(now float64) []*Flow {
	var out []*Flow
	cutoff := now - t.idleTimeout.Seconds()
	for elem := t.lru.Back(); elem != nil; {
		f := elem.Value.(*Flow)
		if f.LastSeen >= cutoff {
			// LRU order means everything further forward is fresher.
			break
		}
		prev := elem.Prev()
		t.lru.Remove(elem)
		delete(t.flows, f.Key)
		out = append(out, f)
		elem = prev
	}
	return out
}

// Snapshot returns copies of all active flows for periodic flushing. Copies
// keep the scoring workers off the ingest worker's mutable state.
func (t *FlowTable) Snapshot() []*Flow {
	out := make([]*Flow, 0, len(t.flows))
	for _, elem := range t.flows {
		clone := *elem.Value.(*Flow)
		out = append(out, &clone)
	}
	return out
}

// Len returns the number of tracked flows.
func (t *FlowTable) Len() int {
	return len(t.flows)
}
