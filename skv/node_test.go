package skv

import (
	"fmt"
	"testing"
	"time"

	"github.com/mcastellin/distnode/protocol"
)

func newTestCluster(ids []protocol.NodeId) (*protocol.Bus, *RingTopology) {
	bus := protocol.NewBus(protocol.WithUnit(time.Millisecond))
	topo := NewRingTopology(ids, 64, 7)
	for _, id := range ids {
		bus.Register(id, NewNode(id, topo, ids))
	}
	return bus, topo
}

func TestPutThenGetFromAnyNode(t *testing.T) {
	ids := []protocol.NodeId{"a", "b", "c"}
	bus, _ := newTestCluster(ids)
	defer bus.Shutdown()

	bus.SendLocalMessage("a", protocol.NewMessage("PUT", protocol.Fields{"key": "k1", "value": "v1"}))
	if _, ok := bus.Upcalls().WaitFor("a", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindPutResp
	}); !ok {
		t.Fatal("expected a PUT_RESP at a")
	}

	bus.SendLocalMessage("b", protocol.NewMessage("GET", protocol.Fields{"key": "k1"}))
	up, ok := bus.Upcalls().WaitFor("b", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindGetResp && u.Msg.Fields.Str("key") == "k1"
	})
	if !ok {
		t.Fatal("expected a GET_RESP at b")
	}
	if up.Msg.Fields.Str("value") != "v1" {
		t.Fatalf("expected value v1, got %v", up.Msg.Fields)
	}
}

func TestDeleteThenGetReturnsNoValue(t *testing.T) {
	ids := []protocol.NodeId{"a", "b"}
	bus, _ := newTestCluster(ids)
	defer bus.Shutdown()

	bus.SendLocalMessage("a", protocol.NewMessage("PUT", protocol.Fields{"key": "k", "value": "v"}))
	bus.Upcalls().WaitFor("a", time.Second, func(u protocol.Upcall) bool { return u.Msg.Kind == kindPutResp })

	bus.SendLocalMessage("b", protocol.NewMessage("DELETE", protocol.Fields{"key": "k"}))
	if _, ok := bus.Upcalls().WaitFor("b", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindDeleteResp
	}); !ok {
		t.Fatal("expected a DELETE_RESP")
	}

	bus.SendLocalMessage("a", protocol.NewMessage("GET", protocol.Fields{"key": "k"}))
	up, ok := bus.Upcalls().WaitFor("a", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindGetResp
	})
	if !ok {
		t.Fatal("expected a GET_RESP")
	}
	if _, hasValue := up.Msg.Fields["value"]; hasValue {
		t.Fatalf("expected no value field after delete, got %v", up.Msg.Fields)
	}
}

func TestNodeAddedTransfersOwnedKeysAway(t *testing.T) {
	ids := []protocol.NodeId{"a", "b"}
	topo := NewRingTopology([]protocol.NodeId{"a", "b", "c"}, 64, 3)
	bus := protocol.NewBus(protocol.WithUnit(time.Millisecond))
	defer bus.Shutdown()

	bus.Register("a", NewNode("a", topo, ids))
	bus.Register("b", NewNode("b", topo, ids))
	bus.Register("c", NewNode("c", topo, ids)) // not yet a member of anyone's view

	for i := 0; i < 50; i++ {
		key := "k" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		bus.SendLocalMessage("a", protocol.NewMessage("PUT", protocol.Fields{"key": key, "value": "v"}))
	}
	time.Sleep(100 * time.Millisecond)

	bus.SendLocalMessage("a", protocol.NewMessage("NODE_ADDED", protocol.Fields{"id": "c"}))
	bus.SendLocalMessage("b", protocol.NewMessage("NODE_ADDED", protocol.Fields{"id": "c"}))
	time.Sleep(150 * time.Millisecond)

	bus.SendLocalMessage("c", protocol.NewMessage("COUNT_RECORDS", nil))
	up, ok := bus.Upcalls().WaitFor("c", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindCountRecordsResp
	})
	if !ok {
		t.Fatal("expected a COUNT_RECORDS_RESP at c")
	}
	if up.Msg.Fields.Int("count") == 0 {
		t.Fatal("expected c to have received at least some transferred keys")
	}
}

func TestNodeRemovedRedistributesDepartingNodesKeys(t *testing.T) {
	ids := []protocol.NodeId{"a", "b", "c"}
	bus, _ := newTestCluster(ids)
	defer bus.Shutdown()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		bus.SendLocalMessage("a", protocol.NewMessage("PUT", protocol.Fields{"key": key, "value": "v"}))
	}
	time.Sleep(150 * time.Millisecond)

	for _, id := range ids {
		bus.SendLocalMessage(id, protocol.NewMessage("NODE_REMOVED", protocol.Fields{"id": "c"}))
	}
	time.Sleep(150 * time.Millisecond)

	total := 0
	for _, id := range []protocol.NodeId{"a", "b"} {
		bus.SendLocalMessage(id, protocol.NewMessage("COUNT_RECORDS", nil))
		up, ok := bus.Upcalls().WaitFor(id, time.Second, func(u protocol.Upcall) bool {
			return u.Msg.Kind == kindCountRecordsResp
		})
		if !ok {
			t.Fatalf("expected a COUNT_RECORDS_RESP at %s", id)
		}
		total += int(up.Msg.Fields.Int("count"))
	}
	if total != 50 {
		t.Fatalf("expected all 50 keys redistributed across the survivors, got %d", total)
	}
}

func TestRequestWithEmptyMembershipUpcallsNoOwner(t *testing.T) {
	topo := NewRingTopology([]protocol.NodeId{"a"}, 16, 1)
	bus := protocol.NewBus(protocol.WithUnit(time.Millisecond))
	defer bus.Shutdown()

	bus.Register("a", NewNode("a", topo, nil))
	bus.SendLocalMessage("a", protocol.NewMessage("GET", protocol.Fields{"key": "k"}))

	if _, ok := bus.Upcalls().WaitFor("a", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindNoOwner
	}); !ok {
		t.Fatal("expected a NO_OWNER upcall when no node is active")
	}
}

func TestDumpKeysListsLocalKeysSorted(t *testing.T) {
	ids := []protocol.NodeId{"a"}
	bus, _ := newTestCluster(ids)
	defer bus.Shutdown()

	for _, key := range []string{"zeta", "alpha", "mid"} {
		bus.SendLocalMessage("a", protocol.NewMessage("PUT", protocol.Fields{"key": key, "value": "v"}))
	}
	bus.SendLocalMessage("a", protocol.NewMessage("DUMP_KEYS", nil))

	up, ok := bus.Upcalls().WaitFor("a", time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == kindDumpKeysResp
	})
	if !ok {
		t.Fatal("expected a DUMP_KEYS_RESP")
	}
	keys := up.Msg.Fields.Strings("keys")
	want := []string{"alpha", "mid", "zeta"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected sorted keys %v, got %v", want, keys)
		}
	}
}

func TestOwnerOfIsDeterministicAcrossNodes(t *testing.T) {
	ids := []protocol.NodeId{"a", "b", "c", "d"}
	topo := NewRingTopology(ids, 32, 99)

	na := NewNode("a", topo, ids)
	nb := NewNode("b", topo, ids)

	for _, key := range []string{"x", "y", "z", "hello", "world"} {
		oa, _ := na.ownerOf(key)
		ob, _ := nb.ownerOf(key)
		if oa != ob {
			t.Fatalf("expected both nodes to agree on the owner of %q, got %s vs %s", key, oa, ob)
		}
	}
}

func TestActiveVnodesIsSortedSubsequenceOfFullRing(t *testing.T) {
	ids := []protocol.NodeId{"a", "b", "c"}
	topo := NewRingTopology(ids, 16, 1)
	n := NewNode("a", topo, ids)

	for i := 1; i < len(n.activeVnodes); i++ {
		if n.activeVnodes[i] <= n.activeVnodes[i-1] {
			t.Fatalf("expected strictly increasing sorted positions, got %v around index %d", n.activeVnodes, i)
		}
	}
	if len(n.activeVnodes) != topo.R() {
		t.Fatalf("expected all %d positions active with full membership, got %d", topo.R(), len(n.activeVnodes))
	}
}
