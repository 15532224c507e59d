package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	client "github.com/gwillem/peersync-go"
	"github.com/gwillem/peersync-go/internal/trust"
	"github.com/gwillem/peersync-go/internal/wire"
)

type trustCheckCommand struct {
	Yes bool `short:"y" long:"yes" description:"Accept unknown keys without prompting"`

	Args struct {
		SessionID string `positional-arg-name:"session-id" required:"true" description:"Cloud session id"`
	} `positional-args:"yes"`
}

func (cmd *trustCheckCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	copts := clientOpts()
	if !cmd.Yes {
		copts = append(copts, client.WithDecisionFunc(promptDecision))
	}

	c := client.NewClient(opts.Server, copts...)
	if err := c.Load(); err != nil {
		return err
	}
	defer c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	fmt.Printf("Checking trust with the members of session %s...\n", cmd.Args.SessionID)
	res, err := c.StartTrustCheck(ctx, cmd.Args.SessionID)
	if err != nil {
		return err
	}

	for peer, out := range res.PerPeer {
		fmt.Printf("  %s: %s\n", peer, out)
	}
	fmt.Printf("Result: %s\n", res.Outcome)
	if res.Outcome != trust.OutcomeSuccess {
		os.Exit(1)
	}
	return nil
}

// promptDecision shows the safety key and asks the user to confirm it against
// the peer's screen.
func promptDecision(cd *wire.PublicKeyCheckData, safetyKey string, knownChanged bool) bool {
	fmt.Println()
	if knownChanged {
		fmt.Printf("WARNING: the key for %s has CHANGED since it was last verified.\n",
			cd.IssuerPublicKeyInfo.ClientID)
	}
	fmt.Printf("Safety key with %s:\n%s\n", cd.IssuerPublicKeyInfo.ClientID,
		trust.FormatSafetyKey(safetyKey))
	fmt.Print("Does the other device show the same key? [y/N] ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
