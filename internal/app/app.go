// Package app composes the node roles a single process runs. One binary
// can host any combination of coordinator, entry, routing and exit, plus
// a demo client that drives traffic through the relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"onionrpc/services/coordinator"
	"onionrpc/services/entry"
	"onionrpc/services/exit"
	"onionrpc/services/routing"
)

type Roles struct {
	Coordinator bool
	Entry       bool
	Routing     bool
	Exit        bool
	Client      bool
}

func (r Roles) Any() bool {
	return r.Coordinator || r.Entry || r.Routing || r.Exit || r.Client
}

type Config struct {
	Roles Roles
}

func Run(ctx context.Context, cfg Config) error {
	autoWireRoleURLs(cfg.Roles)

	var runners []func(context.Context) error

	if cfg.Roles.Coordinator {
		svc := coordinator.New()
		runners = append(runners, svc.Run)
	}
	if cfg.Roles.Routing {
		svc, err := routing.New()
		if err != nil {
			return fmt.Errorf("routing init: %w", err)
		}
		runners = append(runners, svc.Run)
	}
	if cfg.Roles.Exit {
		svc, err := exit.New()
		if err != nil {
			return fmt.Errorf("exit init: %w", err)
		}
		runners = append(runners, svc.Run)
	}
	if cfg.Roles.Entry {
		svc, err := entry.New()
		if err != nil {
			return fmt.Errorf("entry init: %w", err)
		}
		runners = append(runners, svc.Run)
	}
	if cfg.Roles.Client {
		c := NewClient()
		runners = append(runners, c.Run)
	}

	if len(runners) == 0 {
		return errors.New("no services enabled")
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return fmt.Errorf("node stopped: %w", err)
	}

	log.Println("node stopped")
	return nil
}

// autoWireRoleURLs fills in cross-role URLs when the roles run in one
// process and only listen addresses were configured.
func autoWireRoleURLs(roles Roles) {
	if roles.Coordinator && (roles.Entry || roles.Routing || roles.Exit) {
		setURLFromAddrIfUnset("COORDINATOR_URL", "COORDINATOR_ADDR")
	}
	if roles.Entry && roles.Client {
		setURLFromAddrIfUnset("ENTRY_URL", "ENTRY_ADDR")
	}
}

func setURLFromAddrIfUnset(urlEnv string, addrEnv string) {
	if strings.TrimSpace(os.Getenv(urlEnv)) != "" {
		return
	}
	addr := strings.TrimSpace(os.Getenv(addrEnv))
	if addr == "" {
		return
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	_ = os.Setenv(urlEnv, addr)
}
