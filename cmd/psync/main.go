// Command psync is a CLI for the peersync trust and admission protocol.
//
// Usage:
//
//	psync serve                 Run a relay server
//	psync id                    Show this client's identity
//	psync trust-check <sid>     Run a trust check against a session's members
//	psync join-lobby <pid>      Join the lobby of a cloud session profile
package main

import (
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	client "github.com/gwillem/peersync-go"
)

type globalOpts struct {
	Server  string `short:"s" long:"server" description:"Relay server URL" default:"ws://localhost:8480/relay"`
	DB      string `long:"db" description:"Path to database file"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Serve         serveCommand         `command:"serve" description:"Run a relay server"`
	ID            idCommand            `command:"id" description:"Show this client's identity"`
	SafetyKey     safetyKeyCommand     `command:"safety-key" description:"Show the safety key shared with a peer"`
	TrustCheck    trustCheckCommand    `command:"trust-check" description:"Run a trust check against a session's members"`
	JoinLobby     joinLobbyCommand     `command:"join-lobby" description:"Join the lobby of a cloud session profile"`
	CreateSession createSessionCommand `command:"create-session" description:"Create a cloud session"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func clientOpts() []client.Option {
	var copts []client.Option
	if opts.DB != "" {
		copts = append(copts, client.WithDBPath(opts.DB))
	}
	if opts.Verbose {
		copts = append(copts, client.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	return copts
}
