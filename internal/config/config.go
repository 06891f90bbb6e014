// Package config holds the run options shared by the master and the
// daemons. Defaults come from struct tags, may be overridden by an optional
// settings file and RCP_* environment variables, and are validated before
// use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"go.yaml.in/yaml/v4"

	"github.com/wykurz/rcp-sub000/internal/fsmeta"
	"github.com/wykurz/rcp-sub000/internal/transport"
	"github.com/wykurz/rcp-sub000/internal/wire"
)

// Options is the full tuning surface of a copy run.
type Options struct {
	Overwrite        bool   `yaml:"overwrite" env:"RCP_OVERWRITE"`
	OverwriteCompare string `yaml:"overwrite_compare" env:"RCP_OVERWRITE_COMPARE"`
	Preserve         bool   `yaml:"preserve" env:"RCP_PRESERVE"`
	PreserveSettings string `yaml:"preserve_settings" env:"RCP_PRESERVE_SETTINGS"`
	Dereference      bool   `yaml:"dereference" env:"RCP_DEREFERENCE"`
	FailEarly        bool   `yaml:"fail_early" env:"RCP_FAIL_EARLY"`
	DryRun           string `yaml:"dry_run" env:"RCP_DRY_RUN" validate:"omitempty,oneof=off brief all explain"`

	MaxWorkers         int     `yaml:"max_workers" env:"RCP_MAX_WORKERS" validate:"gte=0"`
	MaxBlockingThreads int     `yaml:"max_blocking_threads" env:"RCP_MAX_BLOCKING_THREADS" validate:"gte=0"`
	MaxOpenFiles       int64   `yaml:"max_open_files" env:"RCP_MAX_OPEN_FILES" validate:"gte=0"`
	OpsThrottle        float64 `yaml:"ops_throttle" env:"RCP_OPS_THROTTLE" validate:"gte=0"`
	IopsThrottle       float64 `yaml:"iops_throttle" env:"RCP_IOPS_THROTTLE" validate:"gte=0"`
	ChunkSize          int64   `yaml:"chunk_size" env:"RCP_CHUNK_SIZE" validate:"gte=0"`

	MaxConnections          uint32 `yaml:"max_connections" env:"RCP_MAX_CONNECTIONS" default:"100" validate:"gt=0"`
	PendingWritesMultiplier uint32 `yaml:"pending_writes_multiplier" env:"RCP_PENDING_WRITES_MULTIPLIER" default:"4" validate:"gt=0"`
	RemoteCopyBufferSize    uint64 `yaml:"remote_copy_buffer_size" env:"RCP_REMOTE_COPY_BUFFER_SIZE"`
	NetworkProfile          string `yaml:"network_profile" env:"RCP_NETWORK_PROFILE" default:"lan" validate:"oneof=lan wan"`
	Compress                bool   `yaml:"compress" env:"RCP_COMPRESS"`
	PortRanges              string `yaml:"port_ranges" env:"RCP_PORT_RANGES"`
	ConnTimeoutSec          int    `yaml:"remote_copy_conn_timeout_sec" env:"RCP_CONN_TIMEOUT_SEC" default:"15" validate:"gt=0"`

	NoEncryption   bool   `yaml:"no_encryption" env:"RCP_NO_ENCRYPTION"`
	RcpdPath       string `yaml:"rcpd_path" env:"RCP_RCPD_PATH"`
	AutoDeployRcpd bool   `yaml:"auto_deploy_rcpd" env:"RCP_AUTO_DEPLOY_RCPD"`
	MetricsAddr    string `yaml:"metrics_addr" env:"RCP_METRICS_ADDR"`
}

// DefaultSettingsPath is consulted when the user has a ~/.config/rcp/rcp.yml.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir + "/rcp/rcp.yml"
}

// Load builds Options from defaults, the optional settings file, and the
// environment, in that order.
func Load(settingsPath string) (*Options, error) {
	o := &Options{}
	if err := defaults.Set(o); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if settingsPath != "" {
		b, err := os.ReadFile(settingsPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// no settings file is the common case
		case err != nil:
			return nil, fmt.Errorf("read settings: %w", err)
		default:
			if err := yaml.Unmarshal(b, o); err != nil {
				return nil, fmt.Errorf("parse settings %s: %w", settingsPath, err)
			}
		}
	}
	if err := env.Parse(o); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	return o, nil
}

var validate = validator.New()

// Validate checks field constraints plus the cross-field rules the tags
// cannot express.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	if _, err := o.Compare(); err != nil {
		return err
	}
	if _, err := o.PreserveSpec(); err != nil {
		return err
	}
	if _, err := transport.ParsePortRanges(o.PortRanges); err != nil {
		return err
	}
	if o.OverwriteCompare != "" && !o.Overwrite {
		return errors.New("--overwrite-compare requires --overwrite")
	}
	return nil
}

func (o *Options) ConnTimeout() time.Duration {
	return time.Duration(o.ConnTimeoutSec) * time.Second
}

// BufferSize resolves the per-file send buffer size: explicit flag first,
// then the network profile (16 MiB on lan, 2 MiB on wan).
func (o *Options) BufferSize() uint64 {
	if o.RemoteCopyBufferSize > 0 {
		return o.RemoteCopyBufferSize
	}
	if o.NetworkProfile == "wan" {
		return 2 << 20
	}
	return 16 << 20
}

func (o *Options) Tune() wire.Tune {
	return wire.Tune{
		MaxConnections:    o.MaxConnections,
		PendingMultiplier: o.PendingWritesMultiplier,
		BufferSize:        o.BufferSize(),
		Compress:          o.Compress,
	}
}

func (o *Options) DryRunMode() wire.DryRunMode {
	switch o.DryRun {
	case "brief":
		return wire.DryRunBrief
	case "all":
		return wire.DryRunAll
	case "explain":
		return wire.DryRunExplain
	}
	return wire.DryRunOff
}

// PreserveSpec resolves --preserve / --preserve-settings into the spec the
// destination applies.
func (o *Options) PreserveSpec() (wire.PreserveSpec, error) {
	if o.PreserveSettings != "" {
		spec, err := fsmeta.ParsePreserve(o.PreserveSettings)
		if err != nil {
			return wire.PreserveSpec{}, err
		}
		return spec, nil
	}
	if o.Preserve {
		return wire.DefaultPreserveSpec(), nil
	}
	return wire.PreserveSpec{}, nil
}

func (o *Options) Compare() (wire.CompareAttrs, error) {
	return fsmeta.ParseCompare(o.OverwriteCompare)
}
