// Package cli dispatches the rcluster command-line subcommands,
// mirroring the teacher's internal/cli/cli.go Execute(args) int /
// switch-on-subcommand shape -- stdlib flag.FlagSet per subcommand, no
// cobra/urfave, since the teacher never reaches for one either.
package cli

import (
	"flag"
	"fmt"
	"log"
	"time"

	"rcluster/internal/conn"
	"rcluster/internal/dispatcher"
	"rcluster/internal/logger"
	"rcluster/internal/rcconfig"
)

// Execute dispatches CLI subcommands.
func Execute(args []string) int {
	if err := logger.Init("logs", logger.INFO, "rcluster", true); err != nil {
		fmt.Printf("logger: %v\n", err)
		return 1
	}
	defer logger.Close()
	// any stdlib log output from a dependency (go-redis falls back to it
	// on its own internal faults) lands in the same file as ours.
	log.SetOutput(logger.Writer())

	if len(args) == 0 {
		printUsage()
		return 1
	}

	switch args[0] {
	case "ping":
		return runPing(args[1:])
	case "get":
		return runGet(args[1:])
	case "set":
		return runSet(args[1:])
	case "topology":
		return runTopology(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version", "-v":
		fmt.Println("rcluster 0.1.0-dev")
		return 0
	default:
		logger.Error("Unknown subcommand: %s", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Println(`rcluster -- client-side router for a sharded key-value store

Usage:
  rcluster <subcommand> -config <path> [args...]

Subcommands:
  ping -config <path>
  get  -config <path> <key>
  set  -config <path> <key> <value>
  topology -config <path>
  version
  help`)
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfgPath := fs.String("config", "", "path to the cluster bootstrap YAML file")
	return fs, cfgPath
}

func runPing(args []string) int {
	fs, cfgPath := newFlagSet("ping")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := rcconfig.Load(*cfgPath)
	if err != nil {
		logger.Error("config: %v", err)
		return 1
	}
	topo, err := dispatcher.CreateCluster(cfg.Seeds[0], conn.LoopAdapter{}, cfg.DialTimeout)
	if err != nil {
		logger.Error("create cluster: %v", err)
		return 1
	}
	defer dispatcher.Disconnect(topo)

	replyCh := make(chan interface{}, 1)
	err = dispatcher.CommandArgv(topo, []byte("ping-probe"), []string{"PING"},
		func(reply interface{}) { replyCh <- reply }, nil)
	if err != nil {
		logger.Error("ping: %v", err)
		return 1
	}
	select {
	case reply := <-replyCh:
		if er, ok := reply.(*conn.ErrReply); ok {
			logger.Error("ping: %v", er)
			return 1
		}
		s, _ := conn.ToString(reply)
		fmt.Println(s)
		return 0
	case <-time.After(5 * time.Second):
		logger.Error("ping: timed out")
		return 1
	}
}

func runGet(args []string) int {
	return runKeyCommand("get", args, 1, "GET")
}

func runSet(args []string) int {
	return runKeyCommand("set", args, 2, "SET")
}

// runKeyCommand handles the two key-addressed subcommands: get <key>
// and set <key> <value>. cmd's argv is always the full positional
// argument list (key first, so Redis GET/SET both work unchanged).
func runKeyCommand(name string, args []string, wantArgs int, cmd string) int {
	fs, cfgPath := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != wantArgs {
		logger.Error("%s requires %d argument(s)", name, wantArgs)
		return 2
	}

	cfg, err := rcconfig.Load(*cfgPath)
	if err != nil {
		logger.Error("config: %v", err)
		return 1
	}
	topo, err := dispatcher.CreateCluster(cfg.Seeds[0], conn.LoopAdapter{}, cfg.DialTimeout)
	if err != nil {
		logger.Error("create cluster: %v", err)
		return 1
	}
	defer dispatcher.Disconnect(topo)

	key := []byte(rest[0])
	argv := append([]string{cmd}, rest...)
	replyCh := make(chan interface{}, 1)
	err = dispatcher.CommandArgv(topo, key, argv, func(reply interface{}) {
		replyCh <- reply
	}, nil)
	if err != nil {
		logger.Error("%s: %v", name, err)
		return 1
	}
	select {
	case reply := <-replyCh:
		if er, ok := reply.(*conn.ErrReply); ok {
			logger.Error("%s: %v", name, er)
			return 1
		}
		s, _ := conn.ToString(reply)
		fmt.Println(s)
		return 0
	case <-time.After(5 * time.Second):
		logger.Error("%s: timed out", name)
		return 1
	}
}

func runTopology(args []string) int {
	fs, cfgPath := newFlagSet("topology")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := rcconfig.Load(*cfgPath)
	if err != nil {
		logger.Error("config: %v", err)
		return 1
	}
	topo, err := dispatcher.CreateCluster(cfg.Seeds[0], conn.LoopAdapter{}, cfg.DialTimeout)
	if err != nil {
		logger.Error("create cluster: %v", err)
		return 1
	}
	defer dispatcher.Disconnect(topo)
	logger.Console("connected; seed=%s dialTimeout=%s maxRedirects=%d", cfg.Seeds[0], cfg.DialTimeout, cfg.MaxRedirects)
	return 0
}
