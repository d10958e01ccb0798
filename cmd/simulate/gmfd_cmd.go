package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcastellin/distnode/gmfd"
	"github.com/mcastellin/distnode/protocol"
)

var gmfdNodes int
var gmfdLoss float64

func init() {
	cmd := &cobra.Command{
		Use:   "gmfd",
		Short: "Run a membership gossip and failure detector group",
		Run:   runGMFD,
	}
	cmd.Flags().IntVar(&gmfdNodes, "nodes", 6, "group size")
	cmd.Flags().Float64Var(&gmfdLoss, "loss", 0.1, "simulated message loss probability")
	rootCmd.AddCommand(cmd)
}

func runGMFD(cmd *cobra.Command, args []string) {
	logger := newLogger()
	defer logger.Sync()

	bus := protocol.NewBus(
		protocol.WithRand(rand.New(rand.NewSource(time.Now().UnixNano()))),
		protocol.WithUnit(2*time.Millisecond),
		protocol.WithLossProbability(gmfdLoss),
	)
	defer bus.Shutdown()

	ids := make([]protocol.NodeId, gmfdNodes)
	for i := range ids {
		ids[i] = protocol.NodeId(fmt.Sprintf("n%d", i))
	}
	for _, id := range ids {
		bus.Register(id, gmfd.NewNode(id, gmfd.WithLogger(logger)))
	}

	seed := ids[0]
	bus.SendLocalMessage(seed, protocol.NewMessage("JOIN", protocol.Fields{"seed": string(seed)}))
	for _, id := range ids[1:] {
		bus.SendLocalMessage(id, protocol.NewMessage("JOIN", protocol.Fields{"seed": string(seed)}))
	}

	time.Sleep(3 * time.Second)

	bus.SendLocalMessage(seed, protocol.NewMessage("GET_MEMBERS", nil))
	if up, ok := bus.Upcalls().WaitFor(seed, time.Second, func(u protocol.Upcall) bool {
		return u.Msg.Kind == "MEMBERS"
	}); ok {
		fmt.Printf("%s sees members: %v\n", seed, up.Msg.Fields.Strings("members"))
	}
}
