// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thealgebraist/hfdown/internal/cache"
	"github.com/thealgebraist/hfdown/internal/metrics"
	"github.com/thealgebraist/hfdown/internal/tui"
	"github.com/thealgebraist/hfdown/pkg/hfdown"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token       string
	Protocol    string
	Mirror      string
	Threads     int
	BufferKiB   int
	Output      string
	CacheDir    string
	MetricsAddr string
	JSONOut     bool
	Quiet       bool
	Config      string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "hfdown",
		Short:         "Fast, resumable, protocol-selecting downloader for model repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVarP(&ro.Token, "token", "t", "", "Registry access token (also reads HF_TOKEN env)")
	root.PersistentFlags().StringVar(&ro.Protocol, "protocol", "", "Force protocol: h3, h2 or http/1.1")
	root.PersistentFlags().StringVar(&ro.Mirror, "mirror", "", "Registry mirror base URL")
	root.PersistentFlags().IntVar(&ro.Threads, "threads", 4, "Parallel download workers")
	root.PersistentFlags().IntVar(&ro.BufferKiB, "buffer-size", 512, "Read buffer size in KiB")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON output")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal output)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")

	root.AddCommand(newInfoCmd(ctx, ro))
	root.AddCommand(newListCmd(ctx, ro))
	root.AddCommand(newDownloadCmd(ctx, ro))
	root.AddCommand(newFileCmd(ctx, ro))
	root.AddCommand(newHTTP3TestCmd(ctx, ro))
	root.AddCommand(newVersionCmd(version))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (ro *RootOpts) settings(cmd *cobra.Command) (hfdown.Settings, error) {
	if err := applyConfigFile(cmd, ro); err != nil {
		return hfdown.Settings{}, err
	}
	cfg := hfdown.DefaultSettings()
	cfg.Token = strings.TrimSpace(ro.Token)
	if cfg.Token == "" {
		cfg.Token = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	cfg.Protocol = ro.Protocol
	cfg.Mirror = ro.Mirror
	cfg.Threads = ro.Threads
	cfg.BufferKiB = ro.BufferKiB
	if ro.Output != "" {
		cfg.OutputDir = ro.Output
	}
	if ro.CacheDir != "" {
		bc, err := cache.Open(ro.CacheDir)
		if err != nil {
			return cfg, fmt.Errorf("open cache: %w", err)
		}
		cfg.Cache = bc
	}
	if ro.MetricsAddr != "" {
		col := metrics.NewCollector()
		cfg.Metrics = col
		go func() {
			if err := col.Serve(ro.MetricsAddr); err != nil {
				fmt.Fprintln(os.Stderr, "metrics listener:", err)
			}
		}()
	}
	switch cfg.Protocol {
	case "", "h3", "h2", "http/1.1":
	default:
		return cfg, fmt.Errorf("invalid --protocol %q (h3, h2 or http/1.1)", cfg.Protocol)
	}
	return cfg, nil
}

func repoArg(args []string) (hfdown.Job, error) {
	if len(args) == 0 {
		return hfdown.Job{}, hfdown.ErrMissingRepo
	}
	job := hfdown.Job{Repo: args[0], Revision: "main"}
	if !hfdown.IsValidRepoID(job.Repo) {
		return job, fmt.Errorf("%w: %q", hfdown.ErrInvalidRepo, job.Repo)
	}
	return job, nil
}

func newInfoCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "info REPO",
		Short: "Show repository file count and total size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := repoArg(args)
			if err != nil {
				return err
			}
			cfg, err := ro.settings(cmd)
			if err != nil {
				return err
			}
			client := hfdown.NewClient(cfg)
			defer client.Close()

			listing, err := client.ModelInfo(ctx, job)
			if err != nil {
				return err
			}
			bold := color.New(color.Bold).SprintFunc()
			fmt.Printf("%s %s\n", bold("Model:"), job.Repo)
			fmt.Printf("%s %d\n", bold("Files:"), len(listing.Entries))
			fmt.Printf("%s %s\n", bold("Total size:"), tui.FormatBytes(listing.TotalBytes()))
			return nil
		},
	}
}

func newListCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list REPO",
		Short: "List repository files as a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := repoArg(args)
			if err != nil {
				return err
			}
			cfg, err := ro.settings(cmd)
			if err != nil {
				return err
			}
			client := hfdown.NewClient(cfg)
			defer client.Close()

			listing, err := client.ModelInfo(ctx, job)
			if err != nil {
				return err
			}
			if ro.JSONOut {
				b, err := listing.CanonicalJSON()
				if err != nil {
					return err
				}
				_, _ = os.Stdout.Write(append(b, '\n'))
				return nil
			}
			fmt.Printf("%s (%d files, %s)\n", job.Repo, len(listing.Entries), tui.FormatBytes(listing.TotalBytes()))
			printFileTree(os.Stdout, listing.Entries)
			return nil
		},
	}
}

func newDownloadCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download REPO [DIR]",
		Short: "Download every file of a repository",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := repoArg(args)
			if err != nil {
				return err
			}
			if len(args) > 1 {
				ro.Output = args[1]
			}
			cfg, err := ro.settings(cmd)
			if err != nil {
				return err
			}
			progress, done := ro.progressSink()
			defer done()
			return hfdown.Download(ctx, job, cfg, progress)
		},
	}
	cmd.Flags().StringVarP(&ro.Output, "output", "o", "", "Destination base directory (default \"Storage\")")
	cmd.Flags().StringVar(&ro.CacheDir, "cache-dir", "", "Content-addressed dedup cache directory")
	cmd.Flags().StringVar(&ro.MetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")
	return cmd
}

func newFileCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file REPO FILENAME [DIR]",
		Short: "Download a single file from a repository",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := repoArg(args)
			if err != nil {
				return err
			}
			filename := args[1]
			if len(args) > 2 {
				ro.Output = args[2]
			}
			cfg, err := ro.settings(cmd)
			if err != nil {
				return err
			}

			var bar *pb.ProgressBar
			var once sync.Once
			progress := func(p hfdown.Progress) {
				if ro.Quiet || ro.JSONOut {
					return
				}
				once.Do(func() {
					bar = pb.Full.Start64(p.TotalBytes)
					bar.Set(pb.Bytes, true)
				})
				bar.SetCurrent(p.DownloadedBytes)
			}
			err = hfdown.DownloadFile(ctx, job, filename, cfg, progress)
			if bar != nil {
				bar.Finish()
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&ro.Output, "output", "o", "", "Destination base directory (default \"Storage\")")
	return cmd
}

func newHTTP3TestCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "http3-test URL",
		Short: "Probe a URL twice and report the negotiated protocols",
		Long: "The first request discovers HTTP/3 support from the Alt-Svc answer;\n" +
			"the second exercises the learned preference.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ro.settings(cmd)
			if err != nil {
				return err
			}
			client := hfdown.NewClient(cfg)
			defer client.Close()

			for i := 1; i <= 2; i++ {
				proto, altSvc, status, err := client.Probe(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("request %d: protocol=%s status=%d", i, proto, status)
				if altSvc != "" {
					fmt.Printf(" alt-svc=%q", altSvc)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func (ro *RootOpts) progressSink() (hfdown.ProgressFunc, func()) {
	switch {
	case ro.JSONOut:
		enc := json.NewEncoder(os.Stdout)
		var mu sync.Mutex
		return func(p hfdown.Progress) {
			mu.Lock()
			_ = enc.Encode(p)
			mu.Unlock()
		}, func() {}
	case ro.Quiet:
		return nil, func() {}
	default:
		r := tui.NewRenderer()
		return r.Handler(), r.Close
	}
}
