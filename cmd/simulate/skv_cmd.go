package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcastellin/distnode/protocol"
	"github.com/mcastellin/distnode/skv"
)

var skvNodes int

func init() {
	cmd := &cobra.Command{
		Use:   "skv",
		Short: "Run a sharded KV cluster through puts, a get, and a record count",
		Run:   runSKV,
	}
	cmd.Flags().IntVar(&skvNodes, "nodes", 4, "cluster size")
	rootCmd.AddCommand(cmd)
}

func runSKV(cmd *cobra.Command, args []string) {
	logger := newLogger()
	defer logger.Sync()

	bus := protocol.NewBus(protocol.WithUnit(2 * time.Millisecond))
	defer bus.Shutdown()

	ids := make([]protocol.NodeId, skvNodes)
	for i := range ids {
		ids[i] = protocol.NodeId(fmt.Sprintf("n%d", i))
	}
	topo := skv.NewRingTopology(ids, skv.DefaultK, time.Now().UnixNano())
	for _, id := range ids {
		bus.Register(id, skv.NewNode(id, topo, ids, skv.WithLogger(logger)))
	}

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%d", i)
		bus.SendLocalMessage(ids[0], protocol.NewMessage("PUT", protocol.Fields{"key": key, "value": fmt.Sprintf("v%d", i)}))
	}
	time.Sleep(200 * time.Millisecond)

	bus.SendLocalMessage(ids[0], protocol.NewMessage("GET", protocol.Fields{"key": "key-0"}))
	if up, ok := bus.Upcalls().WaitFor(ids[0], time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == "GET_RESP"
	}); ok {
		fmt.Printf("GET key-0 => %v\n", up.Msg.Fields.Str("value"))
	}

	total := 0
	for _, id := range ids {
		bus.SendLocalMessage(id, protocol.NewMessage("COUNT_RECORDS", nil))
		if up, ok := bus.Upcalls().WaitFor(id, time.Second, func(u protocol.Upcall) bool {
			return u.Msg.Kind == "COUNT_RECORDS_RESP"
		}); ok {
			total += int(up.Msg.Fields.Int("count"))
		}
	}
	fmt.Printf("cluster holds %d records across %d nodes\n", total, len(ids))
}
