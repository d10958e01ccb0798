package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcastellin/distnode/crb"
	"github.com/mcastellin/distnode/protocol"
)

var crbNodes int

func init() {
	cmd := &cobra.Command{
		Use:   "crb",
		Short: "Run a causal reliable broadcast round across a group",
		Run:   runCRB,
	}
	cmd.Flags().IntVar(&crbNodes, "nodes", 5, "group size")
	rootCmd.AddCommand(cmd)
}

func runCRB(cmd *cobra.Command, args []string) {
	logger := newLogger()
	defer logger.Sync()

	bus := protocol.NewBus(
		protocol.WithRand(rand.New(rand.NewSource(time.Now().UnixNano()))),
		protocol.WithUnit(5*time.Millisecond),
	)
	defer bus.Shutdown()

	ids := make([]protocol.NodeId, crbNodes)
	for i := range ids {
		ids[i] = protocol.NodeId(fmt.Sprintf("n%d", i))
	}
	for _, id := range ids {
		bus.Register(id, crb.NewNode(id, ids, crb.WithLogger(logger)))
	}

	bus.SendLocalMessage(ids[0], protocol.NewMessage("SEND", protocol.Fields{"text": "hello group"}))

	deadline := time.Now().Add(2 * time.Second)
	delivered := 0
	for time.Now().Before(deadline) && delivered < len(ids) {
		delivered = 0
		for _, id := range ids {
			if _, ok := bus.Upcalls().WaitFor(id, 10*time.Millisecond, func(u protocol.Upcall) bool {
				return u.Msg.Kind == "DELIVER"
			}); ok {
				delivered++
			}
		}
	}
	fmt.Printf("broadcast delivered at %d/%d nodes\n", delivered, len(ids))
}
