package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-share/pkg/events"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/progress"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/storage"
	"tarun-kavipurapu/p2p-share/receiver"
)

var (
	recvServer      string
	recvOut         string
	recvPassword    string
	recvS3Bucket    string
	recvS3Prefix    string
	recvNoColor     bool
	recvInteractive bool
)

var receiveCmd = &cobra.Command{
	Use:   "receive <slug>",
	Short: "Download the files of a share",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runReceive(ctx, slugFromArg(args[0]))
	},
}

// slugFromArg accepts a bare slug or a full share link.
func slugFromArg(arg string) string {
	if _, after, ok := strings.Cut(arg, "/download/"); ok {
		return strings.Trim(after, "/")
	}
	return arg
}

// download is one receive session as seen by the terminal.
type download struct {
	r        *receiver.Receiver
	tracker  *progress.Tracker
	renderer *progress.Renderer

	renderOnce sync.Once
	doneOnce   sync.Once
	done       chan struct{}
	failed     bool
}

func (d *download) startRendering() {
	d.renderOnce.Do(func() { go d.renderer.Start() })
}

func (d *download) finish(failed bool) {
	d.doneOnce.Do(func() {
		d.failed = failed
		close(d.done)
	})
}

func newPersister(ctx context.Context) (storage.Persister, error) {
	if recvS3Bucket != "" {
		return storage.NewS3Persister(ctx, storage.S3Config{
			Bucket:    recvS3Bucket,
			Prefix:    recvS3Prefix,
			Region:    appConfig.S3Region,
			Endpoint:  appConfig.S3Endpoint,
			AccessKey: appConfig.S3AccessKey,
			SecretKey: appConfig.S3SecretKey,
		})
	}
	return storage.NewDiskPersister(recvOut)
}

func runReceive(ctx context.Context, slug string) error {
	persister, err := newPersister(ctx)
	if err != nil {
		return err
	}

	client, err := rendezvousClient(ctx, recvServer, appConfig.MDNS)
	if err != nil {
		return err
	}
	addr, err := client.Resolve(ctx, slug)
	if err != nil {
		return err
	}
	trans := transportFor(addr)
	defer trans.Close()

	r := receiver.New(trans, receiver.ResolverFunc(func(context.Context, string) (string, error) {
		return addr, nil
	}), receiver.Config{Persister: persister})
	go r.Run(ctx)

	tracker := progress.NewTracker(slug)
	d := &download{
		r:        r,
		tracker:  tracker,
		renderer: progress.NewRenderer(tracker, !recvNoColor),
		done:     make(chan struct{}),
	}
	watchReceiver(ctx, d)

	if err := r.Connect(ctx, slug); err != nil {
		return err
	}

	if recvInteractive {
		fmt.Println("Type 'help' for commands.")
		go func() {
			<-d.done
			fmt.Println("\nDownload finished. Type 'exit' to quit.")
		}()
		prompt.New(
			func(in string) { receiveExecutor(ctx, in, d) },
			receiveCompleter,
			prompt.OptionPrefix("receive> "),
			prompt.OptionTitle("p2p-share receiver"),
		).Run()
		return nil
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		cctx, cancel := context.WithCancel(context.Background())
		r.CancelDownload(cctx)
		cancel()
		d.finish(true)
	}
	d.startRendering()
	d.renderer.StopAndWait()
	if d.failed {
		return fmt.Errorf("download of %s did not complete", slug)
	}
	return nil
}

// watchReceiver wires receiver events to the tracker. Listeners run on the
// receiver's loop, so operations are issued from fresh goroutines.
func watchReceiver(ctx context.Context, d *download) {
	em := d.r.Events()
	em.On(receiver.EventInfo, func(ev events.Event) {
		files := ev.Data.([]protocol.FileDescriptor)
		fmt.Printf("\n%d file(s) on offer:\n", len(files))
		for i, f := range files {
			fmt.Printf("  %d. %s (%s)\n", i+1, f.Name, progress.FormatBytes(float64(f.Size)))
		}
		if !recvInteractive {
			d.startRendering()
			go func() {
				if err := d.r.StartDownload(ctx); err != nil {
					logger.Sugar.Errorf("start download: %v", err)
				}
			}()
		}
	})
	em.On(receiver.EventPassword, func(ev events.Event) {
		pp := ev.Data.(receiver.PasswordPrompt)
		switch {
		case pp.Invalid:
			fmt.Println("\nWrong password.")
			if !recvInteractive {
				d.finish(true)
			}
		case recvPassword != "":
			go d.r.SubmitPassword(ctx, recvPassword)
			return
		default:
			fmt.Println("\nThis share is password protected.")
			if !recvInteractive {
				fmt.Println("Run again with --password.")
				d.finish(true)
			}
		}
		if recvInteractive {
			fmt.Println("Use 'password <pw>' to unlock it.")
		}
	})
	em.On(receiver.EventProgress, func(ev events.Event) {
		d.tracker.Update(ev.Data.(progress.Record))
	})
	em.On(receiver.EventComplete, func(events.Event) {
		d.tracker.MarkComplete()
		d.finish(false)
	})
	em.On(receiver.EventReported, func(events.Event) {
		fmt.Println("\nThis share has been reported and is no longer available.")
		d.tracker.Fail()
		d.finish(true)
	})
	em.On(receiver.EventError, func(ev events.Event) {
		logger.Sugar.Errorf("download error: %v", ev.Data.(error))
	})
	em.On(receiver.EventState, func(ev events.Event) {
		change := ev.Data.(receiver.StateChange)
		if change.To == receiver.StateClosed || change.To == receiver.StateError {
			d.tracker.Fail()
			d.finish(true)
		}
	})
}

func receiveExecutor(ctx context.Context, in string, d *download) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	var err error
	switch blocks[0] {
	case "exit", "quit":
		d.r.CancelDownload(ctx)
		os.Exit(0)
	case "start":
		if err = d.r.StartDownload(ctx); err == nil {
			fmt.Println("Download started.")
		}
	case "pause":
		if err = d.r.PauseDownload(ctx); err == nil {
			fmt.Println("Paused.")
		}
	case "resume":
		if err = d.r.ResumeDownload(ctx); err == nil {
			fmt.Println("Resumed.")
		}
	case "cancel":
		if err = d.r.CancelDownload(ctx); err == nil {
			fmt.Println("Download canceled.")
		}
	case "report":
		if err = d.r.Report(ctx); err == nil {
			fmt.Println("Share reported.")
		}
	case "password":
		if len(blocks) < 2 {
			fmt.Println("Usage: password <pw>")
			return
		}
		err = d.r.SubmitPassword(ctx, blocks[1])
	case "status":
		var snap receiver.Snapshot
		if snap, err = d.r.Snapshot(ctx); err == nil {
			printSnapshot(snap)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  start          - Download every file")
		fmt.Println("  pause          - Pause the download")
		fmt.Println("  resume         - Resume a paused download")
		fmt.Println("  cancel         - Cancel and disconnect")
		fmt.Println("  password <pw>  - Unlock a protected share")
		fmt.Println("  status         - Show download status")
		fmt.Println("  report         - Report the share to its sender")
		fmt.Println("  exit           - Cancel and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func printSnapshot(snap receiver.Snapshot) {
	fmt.Printf("State: %s\n", snap.State)
	if snap.PasswordRequired {
		fmt.Printf("Password required (invalid: %v)\n", snap.PasswordInvalid)
	}
	rec := snap.Progress
	fmt.Printf("Files: %d/%d complete, %.1f%% (%s / %s)\n",
		snap.CompletedFiles, len(snap.Files), rec.OverallProgress*100,
		progress.FormatBytes(float64(rec.BytesTransferred)), progress.FormatBytes(float64(snap.TotalBytes)))
	if rec.FileName != "" && rec.CurrentFileProgress < 1 {
		fmt.Printf("Current: %s %.1f%%\n", rec.FileName, rec.CurrentFileProgress*100)
	}
}

func receiveCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "start", Description: "Download every file"},
		{Text: "pause", Description: "Pause the download"},
		{Text: "resume", Description: "Resume the download"},
		{Text: "cancel", Description: "Cancel the download"},
		{Text: "password", Description: "Submit the share password"},
		{Text: "status", Description: "Show download status"},
		{Text: "report", Description: "Report the share"},
		{Text: "exit", Description: "Cancel and exit"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(receiveCmd)
	receiveCmd.Flags().StringVarP(&recvServer, "server", "s", appConfig.ServerAddr, "Rendezvous server URL")
	receiveCmd.Flags().StringVarP(&recvOut, "out", "o", ".", "Directory to save files in")
	receiveCmd.Flags().StringVarP(&recvPassword, "password", "p", "", "Password of a protected share")
	receiveCmd.Flags().StringVar(&recvS3Bucket, "s3-bucket", appConfig.S3Bucket, "Upload received files to this S3 bucket instead of --out")
	receiveCmd.Flags().StringVar(&recvS3Prefix, "s3-prefix", "", "Key prefix inside the S3 bucket")
	receiveCmd.Flags().BoolVar(&recvNoColor, "no-color", false, "Disable colored progress output")
	receiveCmd.Flags().BoolVarP(&recvInteractive, "interactive", "i", false, "Start in interactive mode")
}
