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

	"tarun-kavipurapu/p2p-share/pkg/events"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/progress"
	"tarun-kavipurapu/p2p-share/pkg/transfer"
	"tarun-kavipurapu/p2p-share/pkg/transport/ws"
	"tarun-kavipurapu/p2p-share/rendezvous"
	"tarun-kavipurapu/p2p-share/sender"
)

var (
	sendServer      string
	sendListenAddr  string
	sendPublicAddr  string
	sendTransport   string
	sendPassword    string
	sendSlug        string
	sendChunkSize   int
	sendRenew       time.Duration
	sendMetricsAddr string
	sendInteractive bool
)

var sendCmd = &cobra.Command{
	Use:   "send <file>...",
	Short: "Share files until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSend(ctx, stop, args)
	},
}

// share is a running sender and its published channel.
type share struct {
	sender    *sender.Sender
	links     []string
	stop      func()
	keepalive chan struct{}
}

func runSend(ctx context.Context, stop func(), paths []string) error {
	sources := make([]transfer.Source, 0, len(paths))
	for _, path := range paths {
		src, err := transfer.OpenFile(path)
		if err != nil {
			return err
		}
		defer src.Close()
		sources = append(sources, src)
	}

	trans, err := newTransport(sendTransport, sendListenAddr)
	if err != nil {
		return err
	}
	if err := trans.ListenAndAccept(); err != nil {
		return fmt.Errorf("listen %s: %w", sendListenAddr, err)
	}
	defer trans.Close()

	s, err := sender.New(trans, sources, sender.Config{ChunkSize: sendChunkSize, Password: sendPassword})
	if err != nil {
		return err
	}
	go s.Run(ctx)
	go monitor.LogPeriodic(ctx, time.Minute)
	if sendMetricsAddr != "" {
		go serveMetrics(ctx, sendMetricsAddr)
	}
	watchSender(s.Events(), stop)

	client, err := rendezvousClient(ctx, sendServer, appConfig.MDNS)
	if err != nil {
		return err
	}
	uploader, err := publicAddress(trans.Addr(), sendPublicAddr)
	if err != nil {
		return err
	}
	if sendTransport == "ws" {
		uploader = ws.Scheme + uploader
	}
	ch, err := client.CreateChannel(ctx, uploader, sendSlug)
	if err != nil {
		return err
	}

	sh := &share{
		sender: s,
		links: []string{
			rendezvous.ShareURL(appConfig.BaseURL, ch.LongSlug),
			rendezvous.ShareURL(appConfig.BaseURL, ch.ShortSlug),
		},
		stop:      stop,
		keepalive: make(chan struct{}),
	}
	go func() {
		defer close(sh.keepalive)
		sender.Keepalive(ctx, client, ch.LongSlug, ch.Secret, sendRenew)
	}()

	fmt.Printf("Sharing %d file(s) from %s\n", len(sources), uploader)
	for _, link := range sh.links {
		fmt.Println("  " + link)
	}
	fmt.Printf("Receivers run: p2p-share receive %s\n", ch.ShortSlug)

	if sendInteractive {
		fmt.Println("Type 'help' for commands.")
		prompt.New(
			func(in string) { sendExecutor(ctx, in, sh) },
			sendCompleter,
			prompt.OptionPrefix("send> "),
			prompt.OptionTitle("p2p-share sender"),
		).Run()
		stop()
	}

	<-ctx.Done()
	<-sh.keepalive
	return nil
}

// watchSender logs peer activity and takes the share down when reported.
func watchSender(em *events.Emitter, stop func()) {
	em.On(sender.EventPeerConnected, func(ev events.Event) {
		p := ev.Data.(sender.PeerInfo)
		logger.Sugar.Infof("receiver connected from %s (%s %s)", p.RemoteAddr, p.ClientMeta.OSName, p.ClientMeta.BrowserName)
	})
	em.On(sender.EventPeerState, func(ev events.Event) {
		change := ev.Data.(sender.PeerStateChange)
		if change.To == sender.StateDone {
			logger.Sugar.Infof("receiver %s finished downloading", change.ID)
		}
	})
	em.On(sender.EventReport, func(ev events.Event) {
		info := ev.Data.(sender.ReportInfo)
		fmt.Printf("\nThis share was reported by %s and has been taken down.\n", info.RemoteAddr)
		stop()
	})
}

func sendExecutor(ctx context.Context, in string, sh *share) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping share...")
		sh.stop()
		<-sh.keepalive
		os.Exit(0)
	case "status":
		peers, err := sh.sender.Peers(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Println("Share links:")
		for _, link := range sh.links {
			fmt.Println("  " + link)
		}
		fmt.Printf("Connected receivers: %d\n", len(peers))
		fmt.Println(monitor.Summary())
	case "peers":
		peers, err := sh.sender.Peers(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if len(peers) == 0 {
			fmt.Println("No receivers connected.")
			return
		}
		for _, p := range peers {
			fmt.Printf("- %s %s [%s] file %d/%d %.1f%% (%s / %s)\n",
				p.ID, p.RemoteAddr, p.State,
				min(p.CurrentFileIndex+1, p.TotalFiles), p.TotalFiles, p.OverallProgress*100,
				progress.FormatBytes(float64(p.BytesTransferred)), progress.FormatBytes(float64(p.TotalBytes)))
		}
	case "files":
		files, err := sh.sender.Files(ctx)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		for i, f := range files {
			fmt.Printf("%d. %s (%s, %s)\n", i+1, f.Name, progress.FormatBytes(float64(f.Size)), f.MediaType)
		}
	case "password":
		pw := ""
		if len(blocks) > 1 {
			pw = blocks[1]
		}
		if err := sh.sender.SetPassword(ctx, pw); err != nil {
			fmt.Printf("Error: %v\n", err)
		} else if pw == "" {
			fmt.Println("Password removed for new receivers.")
		} else {
			fmt.Println("Password set for new receivers.")
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status              - Show share links and stats")
		fmt.Println("  peers               - List connected receivers")
		fmt.Println("  files               - List shared files")
		fmt.Println("  password [pw]       - Set or clear the password")
		fmt.Println("  exit                - Stop sharing and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func sendCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show share links and stats"},
		{Text: "peers", Description: "List connected receivers"},
		{Text: "files", Description: "List shared files"},
		{Text: "password", Description: "Set or clear the password"},
		{Text: "exit", Description: "Stop sharing"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendServer, "server", "s", appConfig.ServerAddr, "Rendezvous server URL")
	sendCmd.Flags().StringVarP(&sendListenAddr, "addr", "a", appConfig.PeerAddr, "Address to accept receivers on")
	sendCmd.Flags().StringVar(&sendPublicAddr, "public-addr", "", "Address receivers dial, if different from --addr")
	sendCmd.Flags().StringVarP(&sendTransport, "transport", "t", appConfig.Transport, "Peer transport: tcp or ws")
	sendCmd.Flags().StringVarP(&sendPassword, "password", "p", "", "Require this password from receivers")
	sendCmd.Flags().StringVar(&sendSlug, "slug", "", "Use this long slug instead of a random one")
	sendCmd.Flags().IntVar(&sendChunkSize, "chunk-size", appConfig.ChunkSize, "Chunk size in bytes")
	sendCmd.Flags().DurationVar(&sendRenew, "renew", appConfig.RenewInterval, "Channel renewal interval")
	sendCmd.Flags().StringVar(&sendMetricsAddr, "metrics-addr", appConfig.MetricsAddr, "Serve Prometheus metrics on this address")
	sendCmd.Flags().BoolVarP(&sendInteractive, "interactive", "i", false, "Start in interactive mode")
}
