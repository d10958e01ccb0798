package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const usage = `Drive a short in-memory run of one of the node protocols and print
what each node saw.

EXAMPLES:
  Run the exactly-once-ordered delivery guarantee pair:
    simulate dgp --variant exactly-once-ordered

  Run a five-node causal broadcast:
    simulate crb --nodes 5

  Run a membership detector under simulated loss:
    simulate gmfd --nodes 6 --loss 0.2

  Run a sharded KV router through puts, a get, and a record count:
    simulate skv --nodes 4`

var rootCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one of the distributed-node protocols over the in-memory bus",
	Long:  usage,
}

func newLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
