package models

import (
	"sort"
	"testing"
)

func TestEventIDsAreMonotonic(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewEventID()
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not monotonic at %d: %s vs %s", i, ids[i], sorted[i])
		}
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	if !(SeverityLow.Rank() < SeverityMedium.Rank() && SeverityMedium.Rank() < SeverityHigh.Rank()) {
		t.Fatalf("severity ranks out of order")
	}
	if !(VerdictBenign.Rank() < VerdictSuspicious.Rank() && VerdictSuspicious.Rank() < VerdictMalicious.Rank()) {
		t.Fatalf("verdict ranks out of order")
	}
}

func TestPacketValidation(t *testing.T) {
	good := Packet{TS: 100, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Proto: "tcp", Size: 60}
	if !good.Valid() {
		t.Fatalf("valid packet rejected")
	}
	cases := []Packet{
		{TS: 100, SrcIP: "", DstIP: "10.0.0.2", Proto: "tcp", Size: 60},
		{TS: 100, SrcIP: "10.0.0.1", DstIP: "", Proto: "tcp", Size: 60},
		{TS: 100, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Proto: "", Size: 60},
		{TS: 100, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Proto: "tcp", Size: 0},
		{TS: 0, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Proto: "tcp", Size: 60},
	}
	for i, p := range cases {
		if p.Valid() {
			t.Fatalf("case %d: invalid packet accepted: %+v", i, p)
		}
	}
}
