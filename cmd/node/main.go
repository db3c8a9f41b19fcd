package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"onionrpc/internal/app"
)

func main() {
	coordinator := flag.Bool("coordinator", false, "enable coordinator role")
	entry := flag.Bool("entry", false, "enable entry node role")
	routing := flag.Bool("routing", false, "enable routing node role")
	exit := flag.Bool("exit", false, "enable exit gateway role")
	client := flag.Bool("client", false, "enable demo client role")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeCfg := app.Config{
		Roles: app.Roles{
			Coordinator: *coordinator,
			Entry:       *entry,
			Routing:     *routing,
			Exit:        *exit,
			Client:      *client,
		},
	}

	if !nodeCfg.Roles.Any() {
		log.Fatal("no role selected; pass one or more of --coordinator --entry --routing --exit --client")
	}

	if err := app.Run(ctx, nodeCfg); err != nil {
		log.Fatal(err)
	}
}
