package pemi

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestFlowTableLookupOrCreate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IfaceNear, cfg.IfaceFar = "eth0", "eth1"
	clock := NewFakeClock(time.Unix(0, 0))
	ft := newFlowTable(cfg, clock, nil)

	key := FlowKey{ClientAddr: "10.0.0.2", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "abc"}
	f1, created := ft.lookupOrCreate(key, []byte("abc"))
	if !created {
		t.Fatal("first lookup should create a flow")
	}
	f2, created := ft.lookupOrCreate(key, []byte("abc"))
	if created {
		t.Fatal("second lookup with the same key should not create a new flow")
	}
	if f1 != f2 {
		t.Fatal("second lookup should return the same flow instance")
	}
	if ft.len() != 1 {
		t.Errorf("len() = %d, want 1", ft.len())
	}
}

func TestFlowTableRebindsOnDCIDMigration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IfaceNear, cfg.IfaceFar = "eth0", "eth1"
	clock := NewFakeClock(time.Unix(0, 0))
	ft := newFlowTable(cfg, clock, nil)

	oldKey := FlowKey{ClientAddr: "10.0.0.2", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "abc"}
	fl, _ := ft.lookupOrCreate(oldKey, []byte("abc"))
	fl.TraceID = "keep-me"

	// Client migrates to a new address but the DCID is unchanged.
	newKey := FlowKey{ClientAddr: "10.0.0.99", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "abc"}
	migrated, created := ft.lookupOrCreate(newKey, []byte("abc"))
	if created {
		t.Fatal("a DCID-matched migration must not create a new flow")
	}
	if migrated != fl {
		t.Fatal("migration should return the SAME flow instance, not a copy")
	}
	if migrated.TraceID != "keep-me" {
		t.Error("migration should preserve flow state")
	}
	if ft.len() != 1 {
		t.Errorf("len() = %d, want 1 (migration must not split the flow)", ft.len())
	}
	if _, ok := ft.byKey[oldKey]; ok {
		t.Error("old key should no longer resolve after rebinding")
	}
}

func TestFlowTableExpireIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IfaceNear, cfg.IfaceFar = "eth0", "eth1"
	clock := NewFakeClock(time.Unix(0, 0))
	ft := newFlowTable(cfg, clock, nil)

	k1 := FlowKey{ClientAddr: "10.0.0.1", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "a"}
	k2 := FlowKey{ClientAddr: "10.0.0.2", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "b"}
	f1, _ := ft.lookupOrCreate(k1, []byte("a"))
	f1.LastForwardArrival = clock.Now()
	f2, _ := ft.lookupOrCreate(k2, []byte("b"))
	f2.LastForwardArrival = clock.Now()

	clock.Advance(1 * time.Second)
	f2.LastForwardArrival = clock.Now() // keep f2 active

	clock.Advance(29*time.Second + time.Millisecond) // now 30.001s: f1 idle 30.001s, f2 idle 29.001s
	removed := ft.expireIdle(30 * time.Second)

	if diff := cmp.Diff([]FlowKey{k1}, removed); diff != "" {
		t.Errorf("expireIdle() removed keys mismatch (-want +got):\n%s", diff)
	}
	if ft.len() != 1 {
		t.Errorf("len() = %d, want 1", ft.len())
	}
	if _, ok := ft.byKey[k2]; !ok {
		t.Error("f2 should still be live")
	}
}

func TestFlowTableMaxFlowsEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IfaceNear, cfg.IfaceFar = "eth0", "eth1"
	cfg.MaxFlows = 2
	clock := NewFakeClock(time.Unix(0, 0))
	ft := newFlowTable(cfg, clock, nil)

	k1 := FlowKey{ClientAddr: "10.0.0.1", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "a"}
	k2 := FlowKey{ClientAddr: "10.0.0.2", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "b"}
	k3 := FlowKey{ClientAddr: "10.0.0.3", ServerAddr: "1.1.1.1", ServerPort: 443, DCIDPrefix: "c"}

	f1, _ := ft.lookupOrCreate(k1, []byte("a"))
	f1.LastForwardArrival = clock.Now()
	clock.Advance(time.Millisecond)
	f2, _ := ft.lookupOrCreate(k2, []byte("b"))
	f2.LastForwardArrival = clock.Now()
	clock.Advance(time.Millisecond)

	if _, created := ft.lookupOrCreate(k3, []byte("c")); !created {
		t.Fatal("k3 should be created")
	}
	if ft.len() != 2 {
		t.Fatalf("len() = %d, want 2 (MaxFlows)", ft.len())
	}
	if _, ok := ft.byKey[k1]; ok {
		t.Error("k1 (oldest-idle) should have been evicted to make room")
	}
}
