package core

import (
	"testing"

	"github.com/signalsfoundry/fleet-simulator/model"
)

func TestReplacementPoolFIFO(t *testing.T) {
	p := NewReplacementPool()
	a := p.Enqueue(1, "tv3", 5)
	b := p.Enqueue(2, "tv3", 5)
	c := p.Enqueue(1, "gear", 6)
	if a.Seq >= b.Seq || b.Seq >= c.Seq {
		t.Fatalf("sequence numbers not increasing: %d %d %d", a.Seq, b.Seq, c.Seq)
	}
	tv3 := p.ForClass("tv3")
	if len(tv3) != 2 || tv3[0].Requester != 1 || tv3[1].Requester != 2 {
		t.Fatalf("ForClass = %+v", tv3)
	}
	if n := p.Consume([]uint64{a.Seq}); n != 1 {
		t.Fatalf("Consume = %d, want 1", n)
	}
	if p.PendingForClass("tv3") != 1 || p.Len() != 2 {
		t.Fatalf("pending tv3=%d len=%d, want 1/2", p.PendingForClass("tv3"), p.Len())
	}
	slots := p.PendingBySlot()
	if slots[SlotKey{Parent: 2, Class: "tv3"}] != 1 || slots[SlotKey{Parent: 1, Class: "gear"}] != 1 {
		t.Fatalf("PendingBySlot = %v", slots)
	}
}

func TestReplacementPoolDropIfKeepsOrder(t *testing.T) {
	p := NewReplacementPool()
	for i := 1; i <= 5; i++ {
		p.Enqueue(model.EntityID(i), "tv3", 0)
	}
	dropped := p.DropIf(func(r model.ReplacementRequest) bool { return r.Requester%2 == 0 })
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	got := p.Requests()
	if len(got) != 3 || got[0].Requester != 1 || got[1].Requester != 3 || got[2].Requester != 5 {
		t.Fatalf("remaining = %+v", got)
	}
}

func TestStockTierOrdering(t *testing.T) {
	cases := []struct {
		e    model.Entity
		want int8
	}{
		{model.Entity{State: model.StateServiceable}, tierServiceable},
		{model.Entity{State: model.StateUnserviceable, Repaired: true}, tierRepaired},
		{model.Entity{State: model.StateUnserviceable}, tierNone},
		{model.Entity{State: model.StateReserve}, tierReserve},
		{model.Entity{State: model.StateOperations}, tierNone},
	}
	for _, tc := range cases {
		if got := StockTier(&tc.e); got != tc.want {
			t.Fatalf("StockTier(%+v) = %d, want %d", tc.e, got, tc.want)
		}
	}
	if !(tierServiceable < tierRepaired && tierRepaired < tierReserve) {
		t.Fatalf("stock tiers out of order")
	}
}
