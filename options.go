package wichain

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/wichain/crypto"
	"github.com/opd-ai/wichain/discovery"
	"github.com/opd-ai/wichain/ledger"
)

// Stream protocols accepted by Options.StreamProtocol.
const (
	StreamProtocolTCP  = "tcp"
	StreamProtocolQUIC = "quic"
)

// Options contains configuration options for a Node.
type Options struct {
	// DataDir holds identity.json, ledger.jsonl and peers.json.
	DataDir string `yaml:"data_dir"`

	// BindAddress is the local interface for the discovery and stream sockets.
	BindAddress string `yaml:"bind_address"`
	// DiscoveryPort is the UDP port for presence broadcasts and datagram
	// messages. 0 selects an ephemeral port.
	DiscoveryPort int `yaml:"discovery_port"`
	// DiscoveryTargets lists host:port broadcast destinations. Empty selects
	// the limited broadcast address plus every subnet broadcast address.
	DiscoveryTargets []string `yaml:"discovery_targets"`
	StreamPort       int      `yaml:"stream_port"`
	StreamProtocol   string   `yaml:"stream_protocol"`

	BroadcastInterval  time.Duration `yaml:"broadcast_interval"`
	StaleAfter         time.Duration `yaml:"stale_after"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	TrustDecayInterval time.Duration `yaml:"trust_decay_interval"`

	DefaultAlias string `yaml:"default_alias"`
	// IdentityPassphrase enables encrypted-at-rest identity storage.
	IdentityPassphrase string `yaml:"identity_passphrase"`

	BatchWindow time.Duration `yaml:"batch_window"`
	MaxBatch    int           `yaml:"max_batch"`

	LogLevel string `yaml:"log_level"`

	// Observer receives notifications. Nil selects NopObserver.
	Observer Observer `yaml:"-"`
	// TimeProvider drives staleness, trust decay and block timestamps.
	TimeProvider crypto.TimeProvider `yaml:"-"`
}

// NewOptions creates a new default options.
func NewOptions() *Options {
	return &Options{
		DataDir:            "wichain-data",
		BindAddress:        "0.0.0.0",
		DiscoveryPort:      discovery.DefaultPort,
		StreamPort:         0, // ephemeral
		StreamProtocol:     StreamProtocolTCP,
		BroadcastInterval:  discovery.DefaultInterval,
		StaleAfter:         discovery.DefaultStaleAfter,
		SweepInterval:      discovery.DefaultSweepInterval,
		ConnectTimeout:     2 * time.Second,
		IdleTimeout:        2 * time.Minute,
		ProbeInterval:      15 * time.Second,
		TrustDecayInterval: time.Minute,
		BatchWindow:        ledger.DefaultBatchWindow,
		MaxBatch:           ledger.DefaultMaxBatch,
		LogLevel:           "info",
	}
}

// LoadOptions reads a YAML configuration file on top of the defaults and
// applies WICHAIN_* environment overrides. A missing file yields the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, opts); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			logrus.WithFields(logrus.Fields{
				"function": "LoadOptions",
				"package":  "wichain",
				"path":     path,
			}).Debug("Config file not found, using defaults")
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := opts.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) applyEnvOverrides() error {
	if v := os.Getenv("WICHAIN_DATA_DIR"); v != "" {
		o.DataDir = v
	}
	if v := os.Getenv("WICHAIN_DISCOVERY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WICHAIN_DISCOVERY_PORT: %w", err)
		}
		o.DiscoveryPort = port
	}
	if v := os.Getenv("WICHAIN_ALIAS"); v != "" {
		o.DefaultAlias = v
	}
	if v := os.Getenv("WICHAIN_STREAM_PROTOCOL"); v != "" {
		o.StreamProtocol = strings.ToLower(v)
	}
	return nil
}

// Validate reports the first invalid field.
func (o *Options) Validate() error {
	if o.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if o.DiscoveryPort < 0 || o.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery_port %d out of range", o.DiscoveryPort)
	}
	if o.StreamPort < 0 || o.StreamPort > 65535 {
		return fmt.Errorf("stream_port %d out of range", o.StreamPort)
	}
	switch o.StreamProtocol {
	case StreamProtocolTCP, StreamProtocolQUIC:
	default:
		return fmt.Errorf("unknown stream_protocol %q", o.StreamProtocol)
	}
	if o.MaxBatch < 0 {
		return fmt.Errorf("max_batch %d must not be negative", o.MaxBatch)
	}
	if _, err := discovery.ParseTargets(o.DiscoveryTargets); err != nil {
		return err
	}
	return nil
}

func (o *Options) timeProvider() crypto.TimeProvider {
	if o.TimeProvider != nil {
		return o.TimeProvider
	}
	return crypto.GetDefaultTimeProvider()
}

func (o *Options) observer() Observer {
	if o.Observer != nil {
		return o.Observer
	}
	return NopObserver{}
}
