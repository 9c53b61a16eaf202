// Package config loads node and authority settings from TOML files, with
// environment overrides for the authority.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/dispatch"
	"github.com/opd-ai/tunnelcore/netconf"
	"github.com/opd-ai/tunnelcore/network"
	"github.com/opd-ai/tunnelcore/topology"
)

// ErrInvalid indicates a setting that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Supernode is one [[supernodes]] entry.
type Supernode struct {
	Identity string `toml:"identity"`
	Endpoint string `toml:"endpoint"`
}

// Node holds the settings of a tunnel node.
type Node struct {
	Listen         string
	IdentityPath   string
	Switch         dispatch.Config
	LikeTTL        time.Duration
	NetconfService string
	NetconfArgs    []string
	Supernodes     []topology.Supernode
	Networks       []network.NetworkID
	LogLevel       string
	LogJSON        bool
}

// DefaultNode returns the settings used when a key is absent.
func DefaultNode() Node {
	return Node{
		Listen:       "0.0.0.0:9993",
		IdentityPath: "identity.secret",
		Switch: dispatch.Config{
			DecodeTTL:     dispatch.DefaultDecodeTTL,
			SweepInterval: dispatch.DefaultSweepInterval,
			WhoisInterval: dispatch.DefaultWhoisInterval,
			WhoisRate:     dispatch.DefaultWhoisRate,
			Workers:       dispatch.DefaultWorkers,
		},
		LikeTTL:  10 * time.Minute,
		LogLevel: "info",
	}
}

type nodeFile struct {
	Listen         string      `toml:"listen"`
	IdentityPath   string      `toml:"identity_path"`
	DecodeTTL      string      `toml:"decode_ttl"`
	SweepInterval  string      `toml:"sweep_interval"`
	WhoisInterval  string      `toml:"whois_interval"`
	WhoisRate      float64     `toml:"whois_rate"`
	Workers        int         `toml:"workers"`
	LikeTTL        string      `toml:"like_ttl"`
	NetconfService string      `toml:"netconf_service"`
	NetconfArgs    []string    `toml:"netconf_args"`
	Supernodes     []Supernode `toml:"supernodes"`
	Networks       []struct {
		ID string `toml:"nwid"`
	} `toml:"networks"`
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
}

// LoadNode reads path and overlays its keys on DefaultNode.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	var raw nodeFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Node{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("identity_path") {
		cfg.IdentityPath = strings.TrimSpace(raw.IdentityPath)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"decode_ttl", raw.DecodeTTL, &cfg.Switch.DecodeTTL},
		{"sweep_interval", raw.SweepInterval, &cfg.Switch.SweepInterval},
		{"whois_interval", raw.WhoisInterval, &cfg.Switch.WhoisInterval},
		{"like_ttl", raw.LikeTTL, &cfg.LikeTTL},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parsePositiveDuration(d.raw)
		if err != nil {
			return Node{}, fmt.Errorf("load node config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("whois_rate") {
		if raw.WhoisRate <= 0 {
			return Node{}, fmt.Errorf("load node config: whois_rate: %w: must be positive", ErrInvalid)
		}
		cfg.Switch.WhoisRate = raw.WhoisRate
	}
	if meta.IsDefined("workers") {
		if raw.Workers <= 0 {
			return Node{}, fmt.Errorf("load node config: workers: %w: must be positive", ErrInvalid)
		}
		cfg.Switch.Workers = raw.Workers
	}
	if meta.IsDefined("netconf_service") {
		cfg.NetconfService = strings.TrimSpace(raw.NetconfService)
	}
	if meta.IsDefined("netconf_args") {
		cfg.NetconfArgs = raw.NetconfArgs
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_json") {
		cfg.LogJSON = raw.LogJSON
	}

	for i, sn := range raw.Supernodes {
		parsed, err := ParseSupernode(sn)
		if err != nil {
			return Node{}, fmt.Errorf("load node config: supernodes[%d]: %w", i, err)
		}
		cfg.Supernodes = append(cfg.Supernodes, parsed)
	}
	for i, nw := range raw.Networks {
		id, err := network.ParseNetworkID(nw.ID)
		if err != nil {
			return Node{}, fmt.Errorf("load node config: networks[%d]: %w", i, err)
		}
		cfg.Networks = append(cfg.Networks, id)
	}
	return cfg, nil
}

// ParseSupernode validates one supernode entry. The identity must be public
// and pass local validation.
func ParseSupernode(sn Supernode) (topology.Supernode, error) {
	id, err := crypto.ParseIdentity(sn.Identity)
	if err != nil {
		return topology.Supernode{}, err
	}
	if !id.LocallyValidate() {
		return topology.Supernode{}, fmt.Errorf("%w: supernode identity %s fails validation", ErrInvalid, id.Address())
	}
	out := topology.Supernode{Identity: id.PublicOnly()}
	if ep := strings.TrimSpace(sn.Endpoint); ep != "" {
		out.Endpoint, err = netip.ParseAddrPort(ep)
		if err != nil {
			return topology.Supernode{}, fmt.Errorf("%w: endpoint %q: %v", ErrInvalid, ep, err)
		}
	}
	return out, nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrInvalid)
	}
	return d, nil
}

// Authority holds the settings of the configuration authority process.
type Authority struct {
	PostgresDSN       string
	Backoff           netconf.BackoffConfig
	MaxAssignAttempts int
	Workers           int
	LogLevel          string
	LogJSON           bool
}

// DefaultAuthority returns the settings used when a key is absent.
func DefaultAuthority() Authority {
	return Authority{
		Backoff:           netconf.DefaultBackoff(),
		MaxAssignAttempts: netconf.DefaultMaxAssignAttempts,
		Workers:           4,
		LogLevel:          "info",
	}
}

type authorityFile struct {
	PostgresDSN       string `toml:"postgres_dsn"`
	ReconnectInitial  string `toml:"reconnect_initial"`
	ReconnectMax      string `toml:"reconnect_max"`
	MaxAssignAttempts int    `toml:"max_assign_attempts"`
	Workers           int    `toml:"workers"`
	LogLevel          string `toml:"log_level"`
	LogJSON           bool   `toml:"log_json"`
}

// Environment variables that override authority settings.
const (
	EnvPostgresDSN       = "NETCONF_POSTGRES_DSN"
	EnvReconnectInitial  = "NETCONF_RECONNECT_INITIAL"
	EnvReconnectMax      = "NETCONF_RECONNECT_MAX"
	EnvMaxAssignAttempts = "NETCONF_MAX_ASSIGN_ATTEMPTS"
	EnvWorkers           = "NETCONF_WORKERS"
	EnvLogLevel          = "NETCONF_LOG_LEVEL"
)

// LoadAuthority reads path, when non-empty, over DefaultAuthority and then
// applies environment overrides from lookup (os.LookupEnv when nil).
func LoadAuthority(path string, lookup func(string) (string, bool)) (Authority, error) {
	cfg := DefaultAuthority()
	if path != "" {
		var raw authorityFile
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Authority{}, fmt.Errorf("load authority config: %w", err)
		}
		if meta.IsDefined("postgres_dsn") {
			cfg.PostgresDSN = strings.TrimSpace(raw.PostgresDSN)
		}
		if meta.IsDefined("reconnect_initial") {
			if cfg.Backoff.InitialDelay, err = parsePositiveDuration(raw.ReconnectInitial); err != nil {
				return Authority{}, fmt.Errorf("load authority config: reconnect_initial: %w", err)
			}
		}
		if meta.IsDefined("reconnect_max") {
			if cfg.Backoff.MaxDelay, err = parsePositiveDuration(raw.ReconnectMax); err != nil {
				return Authority{}, fmt.Errorf("load authority config: reconnect_max: %w", err)
			}
		}
		if meta.IsDefined("max_assign_attempts") {
			cfg.MaxAssignAttempts = raw.MaxAssignAttempts
		}
		if meta.IsDefined("workers") {
			cfg.Workers = raw.Workers
		}
		if meta.IsDefined("log_level") {
			cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
		}
		if meta.IsDefined("log_json") {
			cfg.LogJSON = raw.LogJSON
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Authority{}, err
	}
	return cfg, cfg.validate()
}

func (a *Authority) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var err error
	if v, ok := lookup(EnvPostgresDSN); ok {
		a.PostgresDSN = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvReconnectInitial); ok {
		if a.Backoff.InitialDelay, err = parsePositiveDuration(v); err != nil {
			return fmt.Errorf("%s: %w", EnvReconnectInitial, err)
		}
	}
	if v, ok := lookup(EnvReconnectMax); ok {
		if a.Backoff.MaxDelay, err = parsePositiveDuration(v); err != nil {
			return fmt.Errorf("%s: %w", EnvReconnectMax, err)
		}
	}
	if v, ok := lookup(EnvMaxAssignAttempts); ok {
		if a.MaxAssignAttempts, err = strconv.Atoi(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w: %v", EnvMaxAssignAttempts, ErrInvalid, err)
		}
	}
	if v, ok := lookup(EnvWorkers); ok {
		if a.Workers, err = strconv.Atoi(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w: %v", EnvWorkers, ErrInvalid, err)
		}
	}
	if v, ok := lookup(EnvLogLevel); ok {
		a.LogLevel = strings.TrimSpace(v)
	}
	return nil
}

func (a *Authority) validate() error {
	if a.MaxAssignAttempts <= 0 {
		return fmt.Errorf("max_assign_attempts: %w: must be positive", ErrInvalid)
	}
	if a.Workers <= 0 {
		return fmt.Errorf("workers: %w: must be positive", ErrInvalid)
	}
	if a.Backoff.MaxDelay < a.Backoff.InitialDelay {
		return fmt.Errorf("reconnect_max: %w: below reconnect_initial", ErrInvalid)
	}
	return nil
}
