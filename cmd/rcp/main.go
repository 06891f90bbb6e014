// Command rcp copies filesystem trees between hosts: a master process that
// launches an rcpd daemon next to each end and coordinates the transfer.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wykurz/rcp-sub000/internal/config"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/master"
	"github.com/wykurz/rcp-sub000/internal/progress"
	"github.com/wykurz/rcp-sub000/internal/stats"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks argument problems so main can exit 2 instead of 1.
var errUsage = errors.New("usage error")

func main() {
	os.Exit(run())
}

func run() int {
	cmd, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rcp:", err)
		return exitError
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rcp:", err)
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

type uiFlags struct {
	verbose      int
	quiet        bool
	showProgress bool
	progressType string
	showSummary  bool
	dryRun       bool
	excludes     []string
	includes     []string
}

func newRootCmd() (*cobra.Command, error) {
	opts, err := config.Load(config.DefaultSettingsPath())
	if err != nil {
		return nil, err
	}
	ui := &uiFlags{}

	cmd := &cobra.Command{
		Use:   "rcp [flags] <sources...> <destination>",
		Short: "copy files between hosts via per-host daemons",
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MinimumNArgs(2)(cmd, args); err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(cmd, opts, ui, args)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errUsage, err)
	})
	f := cmd.Flags()

	f.BoolVar(&opts.Overwrite, "overwrite", opts.Overwrite, "allow replacing non-directory destinations")
	f.StringVar(&opts.OverwriteCompare, "overwrite-compare", opts.OverwriteCompare, "attributes deciding file identity: uid,gid,mode,size,mtime,ctime")
	f.BoolVar(&opts.Preserve, "preserve", opts.Preserve, "preserve uid, gid, times and mode")
	f.StringVar(&opts.PreserveSettings, "preserve-settings", opts.PreserveSettings, `per-class preserve spec, e.g. "f:uid,gid,time,0777 d:uid,gid l:uid"`)
	f.BoolVar(&opts.Dereference, "dereference", opts.Dereference, "follow symlinks in the source")
	f.BoolVar(&opts.FailEarly, "fail-early", opts.FailEarly, "abort on the first non-fatal error")
	f.BoolVar(&ui.dryRun, "dry-run", false, "walk and report without copying")

	f.IntVar(&opts.MaxWorkers, "max-workers", opts.MaxWorkers, "worker threads (0 = all cores)")
	f.IntVar(&opts.MaxBlockingThreads, "max-blocking-threads", opts.MaxBlockingThreads, "blocking thread cap")
	f.Int64Var(&opts.MaxOpenFiles, "max-open-files", opts.MaxOpenFiles, "open-file permit cap on the source (0 = unlimited)")
	f.Float64Var(&opts.OpsThrottle, "ops-throttle", opts.OpsThrottle, "filesystem operations per second (0 = unlimited)")
	f.Float64Var(&opts.IopsThrottle, "iops-throttle", opts.IopsThrottle, "io operations per second (0 = unlimited)")
	f.Int64Var(&opts.ChunkSize, "chunk-size", opts.ChunkSize, "bytes one iops token buys")

	f.Uint32Var(&opts.MaxConnections, "max-connections", opts.MaxConnections, "data connections between source and destination")
	f.Uint32Var(&opts.PendingWritesMultiplier, "pending-writes-multiplier", opts.PendingWritesMultiplier, "queued file tasks per connection")
	f.Uint64Var(&opts.RemoteCopyBufferSize, "remote-copy-buffer-size", opts.RemoteCopyBufferSize, "per-file send buffer bytes (0 = from network profile)")
	f.StringVar(&opts.NetworkProfile, "network-profile", opts.NetworkProfile, "lan or wan")
	f.BoolVar(&opts.Compress, "compress", opts.Compress, "zstd-compress the data connections")
	f.StringVar(&opts.PortRanges, "port-ranges", opts.PortRanges, `listener port restriction, "A-B[,C-D]"`)
	f.IntVar(&opts.ConnTimeoutSec, "remote-copy-conn-timeout-sec", opts.ConnTimeoutSec, "daemon connection timeout")

	f.BoolVar(&opts.NoEncryption, "no-encryption", opts.NoEncryption, "plain TCP between daemons")
	f.StringVar(&opts.RcpdPath, "rcpd-path", opts.RcpdPath, "path of the rcpd binary on the remote hosts")
	f.BoolVar(&opts.AutoDeployRcpd, "auto-deploy-rcpd", opts.AutoDeployRcpd, "upload the local rcpd binary over sftp before launching")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "serve prometheus metrics on this address during the run")

	f.StringArrayVar(&ui.excludes, "exclude", nil, "exclude glob (repeatable, applied after includes)")
	f.StringArrayVar(&ui.includes, "include", nil, "include glob overriding later excludes (repeatable)")

	f.BoolVar(&ui.showProgress, "progress", false, "show transfer progress on stderr")
	f.StringVar(&ui.progressType, "progress-type", "Auto", "Auto, ProgressBar or TextUpdates")
	f.BoolVar(&ui.showSummary, "summary", false, "print the copy summary")
	f.CountVarP(&ui.verbose, "verbose", "v", "increase verbosity (-v, -vv, -vvv)")
	f.BoolVarP(&ui.quiet, "quiet", "q", false, "errors only")

	return cmd, nil
}

func runCopy(cmd *cobra.Command, opts *config.Options, ui *uiFlags, args []string) error {
	verbosity := logging.Verbosity(ui.verbose)
	if ui.quiet {
		verbosity = logging.Quiet
	}
	log := logging.Setup(verbosity, term.IsTerminal(int(os.Stdout.Fd())))

	if ui.dryRun && opts.DryRun == "" {
		opts.DryRun = "brief"
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	applyRuntimeLimits(opts)

	srcArgs, dstArg := args[:len(args)-1], args[len(args)-1]
	srcs := make([]master.Endpoint, len(srcArgs))
	for i, a := range srcArgs {
		ep, err := master.ParseEndpoint(a)
		if err != nil {
			return fmt.Errorf("%w: %w", errUsage, err)
		}
		srcs[i] = ep
	}
	dst, err := master.ParseEndpoint(dstArg)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	m, err := master.New(log, opts, buildFilter(ui), srcs, dst)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stopProgress func()
	if ui.showProgress && !ui.quiet {
		stopProgress = progress.Start(progress.Type(ui.progressType), "copying")
	}
	res, err := m.Run(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if err != nil {
		if res != nil {
			// partial failure still reports the destination's view
			fmt.Fprint(os.Stdout, stats.Format(res.Summary))
		}
		return err
	}
	if ui.showSummary || verbosity >= logging.Verbose {
		fmt.Fprint(os.Stdout, stats.Format(res.Summary))
	}
	if res.Warnings > 0 && !ui.quiet {
		fmt.Fprintln(os.Stderr, color.YellowString("completed with %d errors (rerun with -vv for details)", res.Warnings))
	}
	return nil
}

// buildFilter turns the include/exclude flags into the wire filter:
// includes first so they override the excludes that follow them.
func buildFilter(ui *uiFlags) *wire.FilterSpec {
	if len(ui.excludes) == 0 && len(ui.includes) == 0 {
		return nil
	}
	spec := &wire.FilterSpec{}
	for _, p := range ui.includes {
		spec.Rules = append(spec.Rules, wire.FilterRule{Include: true, Pattern: p})
	}
	for _, p := range ui.excludes {
		spec.Rules = append(spec.Rules, wire.FilterRule{Include: false, Pattern: p})
	}
	return spec
}

func applyRuntimeLimits(opts *config.Options) {
	if opts.MaxWorkers > 0 {
		runtime.GOMAXPROCS(opts.MaxWorkers)
	}
	if opts.MaxBlockingThreads > 0 {
		debug.SetMaxThreads(opts.MaxBlockingThreads)
	}
}
