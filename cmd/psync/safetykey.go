package main

import (
	"encoding/hex"
	"fmt"

	client "github.com/gwillem/peersync-go"
	"github.com/gwillem/peersync-go/internal/trust"
)

type safetyKeyCommand struct {
	Key string `short:"k" long:"key" description:"Peer public key in hex (otherwise the remembered key is used)"`

	Args struct {
		PeerClientID string `positional-arg-name:"peer-client-id" required:"true" description:"The other party's client id"`
	} `positional-args:"yes"`
}

func (cmd *safetyKeyCommand) Execute(args []string) error {
	c := client.NewClient(opts.Server, clientOpts()...)
	if err := c.Load(); err != nil {
		return err
	}
	defer c.Close()

	var (
		sk  string
		err error
	)
	if cmd.Key != "" {
		key, derr := hex.DecodeString(cmd.Key)
		if derr != nil {
			return fmt.Errorf("decode peer key: %w", derr)
		}
		sk = c.SafetyKeyFor(cmd.Args.PeerClientID, key)
	} else {
		sk, err = c.SafetyKeyWith(cmd.Args.PeerClientID)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Safety key with %s:\n%s\n", cmd.Args.PeerClientID, trust.FormatSafetyKey(sk))
	return nil
}
