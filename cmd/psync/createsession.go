package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	client "github.com/gwillem/peersync-go"
)

type createSessionCommand struct {
	Lobby string `long:"lobby" description:"Lobby id to attach the session to"`
}

func (cmd *createSessionCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := client.NewClient(opts.Server, clientOpts()...)
	if err := c.Load(); err != nil {
		return err
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	sessionID, err := c.CreateSession(ctx, cmd.Lobby, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Session: %s\n", sessionID)
	return nil
}
