// Package main provides the command-line interface for the segpull download engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	segpull "github.com/aoyama86/segpull"
	"github.com/aoyama86/segpull/pkg/config"
	"github.com/aoyama86/segpull/pkg/logging"
	"github.com/aoyama86/segpull/pkg/metrics"
	"github.com/aoyama86/segpull/pkg/progress"
	"github.com/aoyama86/segpull/pkg/ratelimit"
	"github.com/aoyama86/segpull/pkg/types"
)

const (
	version = "dev" // Set via ldflags during build
	appName = "segpull"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s %s - resumable multi-connection downloader

Usage:
  %s [flags] get <url> [mirror-url ...]
  %s [flags] list
  %s [flags] pause|resume|cancel|delete <task-id>
  %s [flags] events <task-id>
  %s [flags] recover

Flags:
`, appName, version, appName, appName, appName, appName, appName)
	flag.PrintDefaults()
}

type cliFlags struct {
	configPath  string
	output      string
	checksum    string
	algorithm   string
	maxRate     string
	globalRate  string
	segments    int
	verbose     bool
	metricsAddr string
	showVersion bool
}

func main() {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to the configuration file")
	flag.StringVar(&f.output, "o", "", "Destination file path")
	flag.StringVar(&f.checksum, "checksum", "", "Expected hex digest of the completed file")
	flag.StringVar(&f.algorithm, "algorithm", "sha256", "Checksum algorithm (md5 or sha256)")
	flag.StringVar(&f.maxRate, "max-rate", "", "Per-task rate limit (e.g. 500k, 2.5m)")
	flag.StringVar(&f.globalRate, "global-rate", "", "Engine-wide rate limit (e.g. 10m)")
	flag.IntVar(&f.segments, "segments", 0, "Max parallel segments per task (default from config)")
	flag.BoolVar(&f.verbose, "verbose", false, "Enable debug logging")
	flag.StringVar(&f.metricsAddr, "metrics", "", "Serve prometheus metrics at this address (e.g. :9090)")
	flag.BoolVar(&f.showVersion, "version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if f.showVersion {
		fmt.Printf("%s %s\n", appName, version)
		return
	}
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	logging.Init(f.verbose)
	if err := run(&f, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(f *cliFlags, args []string) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	if f.metricsAddr != "" {
		metrics.Register()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(f.metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	client, err := segpull.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Close(closeCtx)
	}()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		return cmdGet(ctx, client, f, rest)
	case "list":
		return cmdList(ctx, client)
	case "pause":
		return withTaskID(rest, func(id string) error { return client.Pause(ctx, id) })
	case "resume":
		return cmdResume(ctx, client, rest)
	case "cancel":
		return withTaskID(rest, func(id string) error { return client.Cancel(ctx, id) })
	case "delete":
		return withTaskID(rest, func(id string) error { return client.Delete(ctx, id) })
	case "events":
		return cmdEvents(ctx, client, rest)
	case "recover":
		return cmdRecover(ctx, client)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(f *cliFlags) (*config.Config, error) {
	path := f.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, err
	}

	if f.segments > 0 {
		cfg.Concurrency.MaxSegmentsPerTask = f.segments
	}
	if f.globalRate != "" {
		rate, err := ratelimit.ParseRate(f.globalRate)
		if err != nil {
			return nil, err
		}
		cfg.SpeedLimit.GlobalRate = rate
	}
	return cfg, nil
}

func withTaskID(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one task id")
	}
	return fn(args[0])
}

func cmdGet(ctx context.Context, client *segpull.Client, f *cliFlags, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("get requires a URL")
	}

	req := &types.DownloadRequest{
		URL:         args[0],
		Mirrors:     args[1:],
		Destination: f.output,
	}
	if f.checksum != "" {
		req.Checksum = f.checksum
		req.ChecksumAlgorithm = types.ChecksumAlgorithm(f.algorithm)
	}
	if f.maxRate != "" {
		rate, err := ratelimit.ParseRate(f.maxRate)
		if err != nil {
			return err
		}
		req.MaxRate = rate
	}

	taskID, err := client.Download(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("task %s\n", taskID)
	return renderProgress(ctx, client, taskID)
}

// renderProgress follows the task's event stream until a terminal status.
// Interrupting pauses the task instead of abandoning it.
func renderProgress(ctx context.Context, client *segpull.Client, taskID string) error {
	snaps := client.Observe(taskID)
	defer snaps.Cancel()

	for {
		select {
		case <-ctx.Done():
			pauseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Pause(pauseCtx, taskID); err != nil {
				return err
			}
			fmt.Printf("\npaused %s\n", taskID)
			return nil
		case snap, ok := <-snaps.C:
			if !ok {
				return nil
			}
			printSnapshot(snap)
			if snap.Status.Terminal() {
				if snap.Status != types.TaskCompleted {
					task, err := client.Get(context.Background(), taskID)
					if err == nil && task.ErrorMessage != "" {
						return fmt.Errorf("download %s: %s", snap.Status, task.ErrorMessage)
					}
					return fmt.Errorf("download %s", snap.Status)
				}
				fmt.Println()
				return nil
			}
		}
	}
}

func printSnapshot(snap types.ProgressSnapshot) {
	eta := "-"
	if snap.ETA >= 0 {
		eta = progress.FormatDuration(snap.ETA)
	}
	fmt.Printf("\r%6.2f%%  %s / %s  %s/s  eta %s  [%s]   ",
		snap.Percent,
		progress.FormatBytes(snap.DownloadedBytes),
		progress.FormatBytes(snap.TotalBytes),
		progress.FormatBytes(snap.Speed),
		eta,
		snap.Status)
}

func cmdList(ctx context.Context, client *segpull.Client) error {
	tasks, err := client.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSIZE\tURL")
	for _, t := range tasks {
		pct := "-"
		if t.TotalSize > 0 {
			pct = fmt.Sprintf("%.1f%%", float64(t.DownloadedSize)/float64(t.TotalSize)*100)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, pct, progress.FormatBytes(t.TotalSize), t.URL)
	}
	return w.Flush()
}

func cmdResume(ctx context.Context, client *segpull.Client, args []string) error {
	return withTaskID(args, func(id string) error {
		if err := client.Resume(ctx, id); err != nil {
			return err
		}
		return renderProgress(ctx, client, id)
	})
}

func cmdEvents(ctx context.Context, client *segpull.Client, args []string) error {
	return withTaskID(args, func(id string) error {
		events, err := client.FailoverEvents(ctx, id)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSEGMENT\tFROM\tTO\tREASON")
		for _, ev := range events {
			from := ev.OldURL
			if from == "" {
				from = "(primary)"
			}
			to := ev.NewURL
			if to == "" {
				to = "(primary)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format(time.TimeOnly), ev.SegmentID[:8], from, to, ev.Reason)
		}
		return w.Flush()
	})
}

func cmdRecover(ctx context.Context, client *segpull.Client) error {
	report, err := client.Recover(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("interrupted: %d, resumed: %d, orphans removed: %d\n",
		len(report.Interrupted), len(report.Resumed), len(report.OrphansRemoved))
	return nil
}
