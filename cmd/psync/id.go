package main

import (
	"encoding/hex"
	"fmt"
	"os"

	qrterminal "github.com/mdp/qrterminal/v3"

	client "github.com/gwillem/peersync-go"
)

type idCommand struct {
	QR bool `long:"qr" description:"Also render the identity as a QR code for out-of-band sharing"`
}

func (cmd *idCommand) Execute(args []string) error {
	c := client.NewClient(opts.Server, clientOpts()...)
	if err := c.Load(); err != nil {
		return err
	}
	defer c.Close()

	info := c.PublicKeyInfo()
	fmt.Printf("Client ID:   %s\n", info.ClientID)
	fmt.Printf("Instance ID: %s\n", c.InstanceID())
	fmt.Printf("Public key:  %s\n", hex.EncodeToString(info.PublicKey))
	fmt.Printf("Protocol:    %d\n", info.ProtocolVersion)

	if cmd.QR {
		fmt.Println()
		uri := fmt.Sprintf("peersync:%s:%s", info.ClientID, hex.EncodeToString(info.PublicKey))
		qrterminal.GenerateWithConfig(uri, qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
		})
	}
	return nil
}
