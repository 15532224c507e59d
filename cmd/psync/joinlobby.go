package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	client "github.com/gwillem/peersync-go"
	"github.com/gwillem/peersync-go/internal/wire"
)

type joinLobbyCommand struct {
	Mode  string `short:"m" long:"mode" description:"Join mode" default:"Join" choice:"Join" choice:"RunInventory" choice:"RunSynchronization"`
	Watch bool   `short:"w" long:"watch" description:"Stay connected and print lobby events"`

	Args struct {
		ProfileID       string `positional-arg-name:"profile-id" required:"true" description:"Cloud session profile id"`
		ProfileClientID string `positional-arg-name:"profile-client-id" required:"true" description:"This client's slot id in the profile"`
	} `positional-args:"yes"`
}

func (cmd *joinLobbyCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	copts := clientOpts()
	events := make(chan *wire.Envelope, 16)
	if cmd.Watch {
		copts = append(copts, client.WithPushHandler(func(env *wire.Envelope) {
			select {
			case events <- env:
			default:
			}
		}))
	}

	c := client.NewClient(opts.Server, copts...)
	if err := c.Load(); err != nil {
		return err
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	resp, err := c.JoinLobby(ctx, cmd.Args.ProfileID, cmd.Args.ProfileClientID, wire.JoinMode(cmd.Mode))
	if err != nil {
		return err
	}
	fmt.Printf("Status: %s\n", resp.Status)
	if resp.LobbyInfo == nil {
		os.Exit(1)
	}

	fmt.Printf("Lobby:  %s\n", resp.LobbyInfo.LobbyID)
	for _, m := range resp.LobbyInfo.Members {
		connected := "empty"
		if m.ClientInstanceID != "" {
			connected = fmt.Sprintf("%s (%s)", m.ClientInstanceID, m.JoinMode)
		}
		fmt.Printf("  slot %s: %s\n", m.ProfileClientID, connected)
	}

	if !cmd.Watch {
		return nil
	}
	fmt.Println("Watching lobby events... (Ctrl+C to stop)")
	for {
		select {
		case <-ctx.Done():
			quitCtx, quitCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer quitCancel()
			_, _ = c.QuitLobby(quitCtx, resp.LobbyInfo.LobbyID)
			return nil
		case env := <-events:
			printLobbyEvent(env)
		}
	}
}

func printLobbyEvent(env *wire.Envelope) {
	switch env.Op {
	case wire.PushMemberJoinedLobby:
		var p wire.MemberJoinedLobbyPush
		if wire.DecodeBody(env, &p) == nil {
			fmt.Printf("+ %s joined slot %s\n", p.MemberInfo.ClientInstanceID, p.MemberInfo.ProfileClientID)
		}
	case wire.PushMemberQuittedLobby:
		var p wire.MemberQuittedLobbyPush
		if wire.DecodeBody(env, &p) == nil {
			if p.LobbyClosed {
				fmt.Printf("- %s left, lobby closed\n", p.ClientInstanceID)
			} else {
				fmt.Printf("- %s left\n", p.ClientInstanceID)
			}
		}
	default:
		fmt.Printf("? %s\n", env.Op)
	}
}
