package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/distnode/dgp"
	"github.com/mcastellin/distnode/protocol"
)

var dgpVariant string
var dgpLoss float64

func init() {
	cmd := &cobra.Command{
		Use:   "dgp",
		Short: "Run one Delivery-Guarantee Pair variant",
		Run:   runDGP,
	}
	cmd.Flags().StringVar(&dgpVariant, "variant", "exactly-once",
		"at-most-once, at-least-once, exactly-once, or exactly-once-ordered")
	cmd.Flags().Float64Var(&dgpLoss, "loss", 0.2, "simulated message loss probability")
	rootCmd.AddCommand(cmd)
}

func runDGP(cmd *cobra.Command, args []string) {
	logger := newLogger()
	defer logger.Sync()

	bus := protocol.NewBus(
		protocol.WithRand(rand.New(rand.NewSource(time.Now().UnixNano()))),
		protocol.WithUnit(5*time.Millisecond),
		protocol.WithLossProbability(dgpLoss),
	)
	defer bus.Shutdown()

	registerDGPVariant(bus, logger)

	for i := 0; i < 5; i++ {
		bus.SendLocalMessage("sender", protocol.NewMessage("PAYLOAD", protocol.Fields{"n": int64(i)}))
	}

	deadline := time.Now().Add(2 * time.Second)
	seen := 0
	for time.Now().Before(deadline) && seen < 5 {
		ups := bus.Upcalls().For("receiver")
		seen = len(ups)
		time.Sleep(20 * time.Millisecond)
	}
	for _, u := range bus.Upcalls().For("receiver") {
		logger.Info("delivered", zap.Any("fields", u.Msg.Fields))
	}
	fmt.Printf("%s: %d upcalls delivered at receiver\n", dgpVariant, len(bus.Upcalls().For("receiver")))
}

func registerDGPVariant(bus *protocol.Bus, logger *zap.Logger) {
	switch dgpVariant {
	case "at-most-once":
		bus.Register("sender", dgp.NewAtMostOnceSender("sender", "receiver", logger))
		bus.Register("receiver", dgp.NewAtMostOnceReceiver("receiver", 0, logger))
	case "at-least-once":
		bus.Register("sender", dgp.NewAtLeastOnceSender("sender", "receiver", logger))
		bus.Register("receiver", dgp.NewAtLeastOnceReceiver("receiver", "sender"))
	case "exactly-once-ordered":
		bus.Register("sender", dgp.NewExactlyOnceOrderedSender("sender", "receiver", logger))
		bus.Register("receiver", dgp.NewExactlyOnceOrderedReceiver("receiver", "sender"))
	default:
		bus.Register("sender", dgp.NewExactlyOnceSender("sender", "receiver", logger))
		bus.Register("receiver", dgp.NewExactlyOnceReceiver("receiver"))
	}
}
