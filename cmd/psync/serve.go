package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gwillem/peersync-go/internal/gateway"
)

type serveCommand struct {
	Listen   string   `short:"l" long:"listen" description:"Listen address" default:":8480"`
	Profiles []string `long:"profile" description:"Seed a profile as id=clientId1,clientId2,... (repeatable)"`
}

func (cmd *serveCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var sopts []gateway.ServerOption
	if opts.Verbose {
		sopts = append(sopts, gateway.WithServerLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	srv := gateway.NewServer(sopts...)

	for _, spec := range cmd.Profiles {
		id, slots, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("bad profile spec %q, want id=clientId1,clientId2,...", spec)
		}
		if err := srv.SeedProfile(id, strings.Split(slots, ",")); err != nil {
			return err
		}
		fmt.Printf("Seeded profile %s\n", id)
	}

	mux := http.NewServeMux()
	mux.Handle("/relay", srv)

	hs := &http.Server{Addr: cmd.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = hs.Shutdown(shutCtx)
	}()

	fmt.Printf("Relay listening on %s\n", cmd.Listen)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
