package network

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/opd-ai/tunnelcore/crypto"
	"github.com/opd-ai/tunnelcore/netconf"
)

// Dictionary keys of a network configuration.
const (
	ConfigKeyNetworkID     = "nwid"
	ConfigKeyPeer          = "peer"
	ConfigKeyIsOpen        = "isOpen"
	ConfigKeyName          = "name"
	ConfigKeyIPv4Static    = "ipv4Static"
	ConfigKeyIPv6Static    = "ipv6Static"
	ConfigKeyActiveBridges = "activeBridges"
	ConfigKeyCertificate   = "com"
)

// ErrInvalidConfig indicates a configuration dictionary that cannot be applied.
var ErrInvalidConfig = errors.New("invalid network configuration")

// Config is the configuration a controller issues to one member.
type Config struct {
	Network       NetworkID
	IssuedTo      crypto.Address
	Name          string
	Open          bool
	IPv4Static    []netip.Prefix
	IPv6Static    []netip.Prefix
	ActiveBridges []crypto.Address
	Certificate   *Certificate
}

// ParseConfig builds a Config from the dictionary a controller returned.
func ParseConfig(d netconf.Dictionary) (*Config, error) {
	nwid, err := ParseNetworkID(d.Get(ConfigKeyNetworkID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c := &Config{
		Network: nwid,
		Name:    d.Get(ConfigKeyName),
		Open:    d.GetBool(ConfigKeyIsOpen),
	}
	if d.Contains(ConfigKeyPeer) {
		if c.IssuedTo, err = crypto.ParseAddress(d.Get(ConfigKeyPeer)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.IPv4Static, err = parsePrefixes(d.Get(ConfigKeyIPv4Static), true); err != nil {
		return nil, err
	}
	if c.IPv6Static, err = parsePrefixes(d.Get(ConfigKeyIPv6Static), false); err != nil {
		return nil, err
	}
	for _, field := range splitList(d.Get(ConfigKeyActiveBridges)) {
		a, err := crypto.ParseAddress(field)
		if err != nil {
			return nil, fmt.Errorf("%w: active bridge %q: %v", ErrInvalidConfig, field, err)
		}
		c.ActiveBridges = append(c.ActiveBridges, a)
	}
	if s := d.Get(ConfigKeyCertificate); s != "" {
		if c.Certificate, err = ParseCertificate(s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if c.Certificate.Network != nwid {
			return nil, fmt.Errorf("%w: certificate for %s", ErrInvalidConfig, c.Certificate.Network)
		}
	}
	if !c.Open && c.Certificate == nil {
		return nil, fmt.Errorf("%w: private network without certificate", ErrInvalidConfig)
	}
	return c, nil
}

// Dictionary renders the configuration in its wire form.
func (c *Config) Dictionary() netconf.Dictionary {
	d := netconf.Dictionary{
		ConfigKeyNetworkID: c.Network.String(),
		ConfigKeyIsOpen:    "0",
	}
	if c.Open {
		d[ConfigKeyIsOpen] = "1"
	}
	if c.IssuedTo != 0 {
		d[ConfigKeyPeer] = c.IssuedTo.String()
	}
	if c.Name != "" {
		d[ConfigKeyName] = c.Name
	}
	if len(c.IPv4Static) > 0 {
		d[ConfigKeyIPv4Static] = joinPrefixes(c.IPv4Static)
	}
	if len(c.IPv6Static) > 0 {
		d[ConfigKeyIPv6Static] = joinPrefixes(c.IPv6Static)
	}
	if len(c.ActiveBridges) > 0 {
		parts := make([]string, len(c.ActiveBridges))
		for i, a := range c.ActiveBridges {
			parts[i] = a.String()
		}
		d[ConfigKeyActiveBridges] = strings.Join(parts, ",")
	}
	if c.Certificate != nil {
		d[ConfigKeyCertificate] = c.Certificate.String()
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parsePrefixes(s string, v4 bool) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range splitList(s) {
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if p.Addr().Is4() != v4 {
			return nil, fmt.Errorf("%w: wrong address family in %q", ErrInvalidConfig, f)
		}
		out = append(out, p)
	}
	return out, nil
}

func joinPrefixes(ps []netip.Prefix) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
