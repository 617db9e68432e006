package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/rendezvous"
)

var (
	serverListenAddr  string
	serverTTL         time.Duration
	serverICE         []string
	serverMDNS        bool
	serverInteractive bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the rendezvous server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server := rendezvous.NewServer(rendezvous.ServerConfig{
			Addr:       serverListenAddr,
			TTL:        serverTTL,
			ICEServers: rendezvous.ICEServersFromURLs(serverICE),
			Advertise:  serverMDNS,
		})
		if err := server.Listen(); err != nil {
			return err
		}
		go monitor.LogPeriodic(ctx, time.Minute)

		if !serverInteractive {
			return server.Serve(ctx)
		}

		done := make(chan error, 1)
		go func() { done <- server.Serve(ctx) }()

		fmt.Println("p2p-share Rendezvous Server Interactive Shell")
		fmt.Println("Type 'help' for commands.")

		prompt.New(
			func(in string) { serverExecutor(in, server, stop, done) },
			serverCompleter,
			prompt.OptionPrefix("rendezvous> "),
			prompt.OptionTitle("p2p-share rendezvous"),
		).Run()

		stop()
		return <-done
	},
}

func serverExecutor(in string, server *rendezvous.Server, stop func(), done <-chan error) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping server...")
		stop()
		if err := <-done; err != nil {
			logger.Sugar.Error(err)
		}
		os.Exit(0)
	case "status":
		fmt.Print(server.Status())
		fmt.Println(monitor.Summary())
	case "channels":
		channels := server.Channels()
		if len(channels) == 0 {
			fmt.Println("No active channels.")
			return
		}
		fmt.Println("Active Channels:")
		for _, ch := range channels {
			fmt.Printf("- %s (%s) -> %s, expires in %s\n",
				ch.LongSlug, ch.ShortSlug, ch.UploaderAddress, time.Until(ch.ExpiresAt).Round(time.Second))
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show server status")
		fmt.Println("  channels     - List active channels")
		fmt.Println("  exit         - Stop server and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func serverCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show server status and stats"},
		{Text: "channels", Description: "List active channels"},
		{Text: "exit", Description: "Exit the server"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverListenAddr, "addr", "a", appConfig.ListenAddr, "Address to listen on")
	serverCmd.Flags().DurationVar(&serverTTL, "ttl", appConfig.ChannelTTL, "Channel lifetime between renewals")
	serverCmd.Flags().StringSliceVar(&serverICE, "ice", appConfig.ICEServers, "ICE server URLs handed to clients")
	serverCmd.Flags().BoolVar(&serverMDNS, "mdns", appConfig.MDNS, "Advertise the server over mDNS")
	serverCmd.Flags().BoolVarP(&serverInteractive, "interactive", "i", false, "Start in interactive mode")
}
