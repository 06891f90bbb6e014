// Command rcpd is the per-host copy daemon. Users do not run it directly:
// the rcp master launches one on the source host and one on the
// destination host over SSH and tells each its role.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wykurz/rcp-sub000/internal/daemon"
	"github.com/wykurz/rcp-sub000/internal/logging"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rcpd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		role           string
		masterAddr     string
		masterFP       string
		noEncryption   bool
		connTimeoutSec int
		portRanges     string
		opsThrottle    float64
		iopsThrottle   float64
		chunkSize      int64
		maxOpenFiles   int64
		verbose        int
	)

	cmd := &cobra.Command{
		Use:           "rcpd",
		Short:         "rcp daemon (launched by the rcp master)",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := &daemon.Params{
				MasterAddr:   masterAddr,
				NoEncryption: noEncryption,
				ConnTimeout:  time.Duration(connTimeoutSec) * time.Second,
				PortRanges:   portRanges,
				OpsThrottle:  opsThrottle,
				IopsThrottle: iopsThrottle,
				ChunkSize:    chunkSize,
				MaxOpenFiles: maxOpenFiles,
			}
			switch role {
			case "source":
				p.Role = wire.RoleSource
			case "destination":
				p.Role = wire.RoleDestination
			default:
				return fmt.Errorf("unknown --role %q", role)
			}
			if masterAddr == "" {
				return errors.New("--master-addr is required")
			}
			if !noEncryption {
				fp, err := transport.ParseFingerprint(masterFP)
				if err != nil {
					return fmt.Errorf("--master-cert-fp: %w", err)
				}
				p.MasterCertFP = fp
			}
			log := logging.Setup(logging.Verbosity(verbose), false)
			return daemon.Run(cmd.Context(), log, p)
		},
	}
	f := cmd.Flags()
	f.StringVar(&role, "role", "", "source or destination")
	f.StringVar(&masterAddr, "master-addr", "", "master control address to dial back")
	f.StringVar(&masterFP, "master-cert-fp", "", "master certificate fingerprint (hex)")
	f.BoolVar(&noEncryption, "no-encryption", false, "plain TCP")
	f.IntVar(&connTimeoutSec, "conn-timeout-sec", 15, "connection timeout")
	f.StringVar(&portRanges, "port-ranges", "", "listener port restriction")
	f.Float64Var(&opsThrottle, "ops-throttle", 0, "filesystem operations per second")
	f.Float64Var(&iopsThrottle, "iops-throttle", 0, "io operations per second")
	f.Int64Var(&chunkSize, "chunk-size", 0, "bytes one iops token buys")
	f.Int64Var(&maxOpenFiles, "max-open-files", 0, "open-file permit cap")
	f.CountVarP(&verbose, "verbose", "v", "increase verbosity")
	return cmd
}
