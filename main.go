package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceyewan/pulse/bootstrap"
	"github.com/ceyewan/pulse/core"
)

func main() {
	var module string
	var all bool
	flag.StringVar(&module, "module", "core", "assign run module: core, init")
	flag.BoolVar(&all, "all", false, "init: also create read-only tables (members, messages)")
	flag.Parse()

	fmt.Printf("🚀 Starting Pulse %s...\n", module)

	switch module {
	case "core":
		c, err := core.New()
		if err != nil {
			fmt.Printf("❌ Failed to start core: %v\n", err)
			os.Exit(1)
		}
		defer c.Close()
		if err := c.Run(); err != nil {
			fmt.Printf("❌ Core error: %v\n", err)
			os.Exit(1)
		}
		waitForSignal(c.Done())

	case "init":
		if err := bootstrap.Run(bootstrap.Options{IncludeReadOnly: all}); err != nil {
			fmt.Printf("❌ Init error: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Printf("❌ Unknown module: %s\n", module)
		fmt.Println("Available modules: core, init")
		os.Exit(1)
	}
}

func waitForSignal(done <-chan struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case <-quit:
	case <-done:
	}

	fmt.Println("👋 Service exiting")
}
