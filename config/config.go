/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

// Package config loads the daemon configuration file and renders it into the
// form the device consumes.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Interface InterfaceConfig `yaml:"interface"`
	Network   *NetworkConfig  `yaml:"network,omitempty"`
	Peers     []PeerConfig    `yaml:"peers"`
}

type GeneralConfig struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel   string `yaml:"log_level"`
	Foreground bool   `yaml:"foreground"`
}

type InterfaceConfig struct {
	Name       string `yaml:"name"`
	PrivateKey string `yaml:"private_key"` // base64, 32 bytes
	ListenPort uint16 `yaml:"listen_port"`
	FwMark     uint32 `yaml:"fwmark"`
	MTU        int    `yaml:"mtu"`
}

// NetworkConfig is the host address assigned to the TUN interface.
type NetworkConfig struct {
	Address   string `yaml:"address"`
	PrefixLen int    `yaml:"prefix_len"`
}

type PeerConfig struct {
	PublicKey    string   `yaml:"public_key"`    // base64, 32 bytes
	PresharedKey string   `yaml:"preshared_key"` // base64, 32 bytes, optional
	Endpoint     string   `yaml:"endpoint"`      // host:port, optional
	AllowedIPs   []string `yaml:"allowed_ips"`
	Keepalive    uint16   `yaml:"keepalive"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeKey(name, value string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", name, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", name, len(key))
	}
	return key, nil
}

func (cfg *Config) Validate() error {
	if cfg.Interface.PrivateKey == "" {
		return fmt.Errorf("interface.private_key is required")
	}
	if _, err := decodeKey("interface.private_key", cfg.Interface.PrivateKey); err != nil {
		return err
	}
	if cfg.Network != nil {
		addr, err := netip.ParseAddr(cfg.Network.Address)
		if err != nil {
			return fmt.Errorf("network.address: %w", err)
		}
		if cfg.Network.PrefixLen < 0 || cfg.Network.PrefixLen > addr.BitLen() {
			return fmt.Errorf("network.prefix_len %d out of range", cfg.Network.PrefixLen)
		}
	}
	for i, peer := range cfg.Peers {
		if _, err := decodeKey(fmt.Sprintf("peers[%d].public_key", i), peer.PublicKey); err != nil {
			return err
		}
		if peer.PresharedKey != "" {
			if _, err := decodeKey(fmt.Sprintf("peers[%d].preshared_key", i), peer.PresharedKey); err != nil {
				return err
			}
		}
		for _, allowed := range peer.AllowedIPs {
			if _, err := netip.ParsePrefix(allowed); err != nil {
				return fmt.Errorf("peers[%d].allowed_ips: %w", i, err)
			}
		}
	}
	return nil
}

// UAPI renders the configuration as a WireGuard cross-platform "set"
// operation, replacing any peers the device already carries.
func (cfg *Config) UAPI() (string, error) {
	var out []byte
	appendLine := func(key, value string) {
		out = append(out, key...)
		out = append(out, '=')
		out = append(out, value...)
		out = append(out, '\n')
	}
	appendKey := func(key, value string) error {
		raw, err := decodeKey(key, value)
		if err != nil {
			return err
		}
		appendLine(key, hex.EncodeToString(raw))
		return nil
	}

	if err := appendKey("private_key", cfg.Interface.PrivateKey); err != nil {
		return "", err
	}
	if cfg.Interface.ListenPort != 0 {
		appendLine("listen_port", fmt.Sprintf("%d", cfg.Interface.ListenPort))
	}
	if cfg.Interface.FwMark != 0 {
		appendLine("fwmark", fmt.Sprintf("%d", cfg.Interface.FwMark))
	}
	appendLine("replace_peers", "true")

	for _, peer := range cfg.Peers {
		if err := appendKey("public_key", peer.PublicKey); err != nil {
			return "", err
		}
		if peer.PresharedKey != "" {
			if err := appendKey("preshared_key", peer.PresharedKey); err != nil {
				return "", err
			}
		}
		if peer.Endpoint != "" {
			appendLine("endpoint", peer.Endpoint)
		}
		if peer.Keepalive != 0 {
			appendLine("persistent_keepalive_interval", fmt.Sprintf("%d", peer.Keepalive))
		}
		appendLine("replace_allowed_ips", "true")
		for _, allowed := range peer.AllowedIPs {
			appendLine("allowed_ip", allowed)
		}
	}
	return string(out), nil
}
