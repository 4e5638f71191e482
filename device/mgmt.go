/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"errors"
	"net/netip"
	"time"
)

// The typed management surface. It works on the same device state as the
// UAPI text protocol in uapi.go, which has its own line handlers and does not
// call these operations; each one is atomic with respect to the packet
// pipeline.

// PeerConfig describes a peer mutation. Nil pointer fields leave the
// corresponding setting untouched.
type PeerConfig struct {
	PublicKey           NoisePublicKey
	PresharedKey        *NoisePresharedKey
	Endpoint            string // host:port, empty = unchanged
	PersistentKeepalive *uint16
	ReplaceAllowedIPs   bool
	AllowedIPs          []netip.Prefix
	UpdateOnly          bool
	Remove              bool
}

// PeerStats is a copy-on-read snapshot of a peer's counters.
type PeerStats struct {
	PublicKey           NoisePublicKey
	Endpoint            string
	LastHandshakeTime   time.Time
	RxBytes             uint64
	TxBytes             uint64
	PersistentKeepalive uint16
	AllowedIPs          []netip.Prefix

	// dropped-packet counters by cause
	DroppedCrypto  uint64
	DroppedReplay  uint64
	DroppedRouting uint64

	// Congested reports that the peer's staged queue is full; packets are
	// being dropped oldest-first.
	Congested bool
}

// DeviceStats is a copy-on-read snapshot of interface-wide state.
type DeviceStats struct {
	PublicKey         NoisePublicKey
	ListenPort        uint16
	Fwmark            uint32
	DroppedUnroutable uint64
}

func (device *Device) Stats() DeviceStats {
	var s DeviceStats

	device.staticIdentity.RLock()
	s.PublicKey = device.staticIdentity.publicKey
	device.staticIdentity.RUnlock()

	device.net.RLock()
	s.ListenPort = device.net.port
	s.Fwmark = device.net.fwmark
	device.net.RUnlock()

	s.DroppedUnroutable = device.counters.unroutable.Load()
	return s
}

var errPeerKeyRequired = errors.New("peer public key is required")

func (device *Device) SetListenPort(port uint16) error {
	device.ipcMutex.Lock()
	defer device.ipcMutex.Unlock()

	device.net.Lock()
	device.net.port = port
	device.net.Unlock()

	return device.BindUpdate()
}

func (device *Device) SetFwmark(mark uint32) error {
	device.ipcMutex.Lock()
	defer device.ipcMutex.Unlock()

	return device.BindSetMark(mark)
}

// ConfigurePeer creates, updates or removes a single peer.
func (device *Device) ConfigurePeer(cfg PeerConfig) error {
	device.ipcMutex.Lock()
	defer device.ipcMutex.Unlock()

	if cfg.PublicKey.IsZero() {
		return errPeerKeyRequired
	}

	device.staticIdentity.RLock()
	self := device.staticIdentity.publicKey.Equals(cfg.PublicKey)
	device.staticIdentity.RUnlock()
	if self {
		return errors.New("peer public key matches device key")
	}

	peer := device.LookupPeer(cfg.PublicKey)

	if cfg.Remove {
		if peer != nil {
			device.RemovePeer(cfg.PublicKey)
		}
		return nil
	}

	if peer == nil {
		if cfg.UpdateOnly {
			return nil
		}
		var err error
		peer, err = device.NewPeer(cfg.PublicKey)
		if err != nil {
			return err
		}
	}

	if cfg.PresharedKey != nil {
		peer.handshake.mutex.Lock()
		peer.handshake.presharedKey = *cfg.PresharedKey
		peer.handshake.mutex.Unlock()
	}

	if cfg.Endpoint != "" {
		device.net.RLock()
		endpoint, err := device.net.bind.ParseEndpoint(cfg.Endpoint)
		device.net.RUnlock()
		if err != nil {
			return err
		}
		peer.endpoint.Lock()
		peer.endpoint.val = endpoint
		peer.endpoint.Unlock()
	}

	pkaOn := false
	if cfg.PersistentKeepalive != nil {
		old := peer.persistentKeepaliveInterval.Swap(uint32(*cfg.PersistentKeepalive))
		pkaOn = old == 0 && *cfg.PersistentKeepalive != 0
	}

	if cfg.ReplaceAllowedIPs {
		device.allowedips.RemoveByPeer(peer)
	}
	for _, prefix := range cfg.AllowedIPs {
		device.allowedips.Insert(prefix, peer)
	}

	if device.isUp() {
		peer.start()
		if pkaOn {
			peer.sendKeepalive()
		}
		peer.sendStagedPackets()
	}
	return nil
}

// PeerStats returns a snapshot of every configured peer.
func (device *Device) PeerStats() []PeerStats {
	device.peers.RLock()
	defer device.peers.RUnlock()

	stats := make([]PeerStats, 0, len(device.peers.keyMap))
	for _, peer := range device.peers.keyMap {
		var s PeerStats

		peer.handshake.mutex.RLock()
		s.PublicKey = peer.handshake.remoteStatic
		peer.handshake.mutex.RUnlock()

		peer.endpoint.Lock()
		if peer.endpoint.val != nil {
			s.Endpoint = peer.endpoint.val.DstToString()
		}
		peer.endpoint.Unlock()

		if nano := peer.lastHandshakeNano.Load(); nano != 0 {
			s.LastHandshakeTime = time.Unix(0, nano)
		}
		s.RxBytes = peer.rxBytes.Load()
		s.TxBytes = peer.txBytes.Load()
		s.PersistentKeepalive = uint16(peer.persistentKeepaliveInterval.Load())
		s.DroppedCrypto = peer.drops.crypto.Load()
		s.DroppedReplay = peer.drops.replay.Load()
		s.DroppedRouting = peer.drops.routing.Load()
		s.Congested = len(peer.queue.staged) == queueStagedSize

		device.allowedips.EntriesForPeer(peer, func(prefix netip.Prefix) bool {
			s.AllowedIPs = append(s.AllowedIPs, prefix)
			return true
		})

		stats = append(stats, s)
	}
	return stats
}
