/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"net/netip"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.zx2c4.com/wireguard/conn/bindtest"

	"github.com/hashicorp/go-packetguard/tun"
)

// makeIPv4 builds a minimal inner IPv4 packet; the engine only ever reads the
// version nibble, total length and the addresses.
func makeIPv4(src, dst netip.Addr, payload []byte) []byte {
	packet := make([]byte, 20+len(payload))
	packet[0] = 0x45
	binary.BigEndian.PutUint16(packet[IPv4offsetTotalLength:], uint16(len(packet)))
	packet[8] = 64 // ttl
	packet[9] = 1  // icmp
	s4 := src.As4()
	d4 := dst.As4()
	copy(packet[IPv4offsetSrc:], s4[:])
	copy(packet[IPv4offsetDst:], d4[:])
	copy(packet[20:], payload)
	return packet
}

func genConfigs(t testing.TB) (cfgs [2]string, keys [2]NoisePrivateKey) {
	t.Helper()
	var err error
	for i := range keys {
		keys[i], err = NewPrivateKey()
		if err != nil {
			t.Fatal(err)
		}
	}

	pub := func(i int) string {
		pk := keys[i].PublicKey()
		return hex.EncodeToString(pk[:])
	}

	cfgs[0] = uapiCfg(
		"private_key", hex.EncodeToString(keys[0][:]),
		"replace_peers", "true",
		"public_key", pub(1),
		"protocol_version", "1",
		"replace_allowed_ips", "true",
		"allowed_ip", "10.0.0.2/32",
		"endpoint", "127.0.0.1:1",
	)
	cfgs[1] = uapiCfg(
		"private_key", hex.EncodeToString(keys[1][:]),
		"replace_peers", "true",
		"public_key", pub(0),
		"protocol_version", "1",
		"replace_allowed_ips", "true",
		"allowed_ip", "10.0.0.1/32",
		"endpoint", "127.0.0.1:2",
	)
	return
}

type testPeer struct {
	tun *tun.ChannelTUN
	dev *Device
	ip  netip.Addr
}

func genTestPair(t testing.TB) (pair [2]testPeer) {
	cfgs, _ := genConfigs(t)
	binds := bindtest.NewChannelBinds()

	for i := range pair {
		p := &pair[i]
		p.tun = tun.NewChannelTUN(0)
		p.ip = netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		p.dev = NewDevice(p.tun, binds[i], hclog.NewNullLogger())
		if err := p.dev.IpcSet(cfgs[i]); err != nil {
			t.Fatalf("failed to configure device %d: %v", i, err)
		}
		if err := p.dev.Up(); err != nil {
			t.Fatalf("failed to bring up device %d: %v", i, err)
		}
	}

	t.Cleanup(func() {
		for _, p := range pair {
			p.dev.Close()
		}
	})
	return
}

func sendAndExpect(t testing.TB, from, to *testPeer) {
	t.Helper()
	msg := makeIPv4(from.ip, to.ip, []byte("ping!"))
	from.tun.Inbound <- msg

	select {
	case delivered := <-to.tun.Outbound:
		if !bytes.Equal(delivered, msg) {
			t.Fatalf("tunnel corrupted packet: got %x, want %x", delivered, msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("packet did not transit the tunnel")
	}
}

func TestTwoDevicePing(t *testing.T) {
	pair := genTestPair(t)

	t.Run("ping 10.0.0.2", func(t *testing.T) {
		sendAndExpect(t, &pair[0], &pair[1])
	})

	t.Run("ping 10.0.0.1", func(t *testing.T) {
		sendAndExpect(t, &pair[1], &pair[0])
	})
}

func TestStatsAfterTraffic(t *testing.T) {
	pair := genTestPair(t)
	sendAndExpect(t, &pair[0], &pair[1])

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats := pair[0].dev.PeerStats()
		if len(stats) != 1 {
			t.Fatalf("expected 1 peer, got %d", len(stats))
		}
		s := stats[0]
		if !s.LastHandshakeTime.IsZero() && s.TxBytes > 0 {
			if want := pair[1].dev.staticIdentity.publicKey; !s.PublicKey.Equals(want) {
				t.Fatal("stats returned wrong public key")
			}
			if len(s.AllowedIPs) != 1 || s.AllowedIPs[0].String() != "10.0.0.2/32" {
				t.Fatalf("stats returned wrong allowed ips: %v", s.AllowedIPs)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats never reflected the handshake: %+v", s)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoutingDropsUnknownDestination(t *testing.T) {
	pair := genTestPair(t)
	sendAndExpect(t, &pair[0], &pair[1])

	// 10.9.9.9 is covered by no allowed-ip prefix: the packet must vanish
	stray := makeIPv4(pair[0].ip, netip.MustParseAddr("10.9.9.9"), []byte("stray"))
	pair[0].tun.Inbound <- stray

	select {
	case delivered := <-pair[1].tun.Outbound:
		t.Fatalf("unroutable packet was delivered: %x", delivered)
	case <-time.After(200 * time.Millisecond):
	}

	deadline := time.Now().Add(2 * time.Second)
	for pair[0].dev.Stats().DroppedUnroutable == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unroutable drop was not counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpDown(t *testing.T) {
	pair := genTestPair(t)
	sendAndExpect(t, &pair[0], &pair[1])

	for i := 0; i < 3; i++ {
		for _, p := range pair {
			if err := p.dev.Down(); err != nil {
				t.Fatal(err)
			}
		}
		for _, p := range pair {
			if err := p.dev.Up(); err != nil {
				t.Fatal(err)
			}
		}
	}
	sendAndExpect(t, &pair[0], &pair[1])
}

func TestCloseIsIdempotent(t *testing.T) {
	pair := genTestPair(t)
	pair[0].dev.Close()
	pair[0].dev.Close()
	select {
	case <-pair[0].dev.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("device did not shut down")
	}
}

func TestConfigurePeerTyped(t *testing.T) {
	dev := randDevice(t)
	defer dev.Close()

	other, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pka := uint16(25)
	cfg := PeerConfig{
		PublicKey:           other.PublicKey(),
		PersistentKeepalive: &pka,
		AllowedIPs:          []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	}
	if err := dev.ConfigurePeer(cfg); err != nil {
		t.Fatal(err)
	}

	stats := dev.PeerStats()
	if len(stats) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(stats))
	}
	if stats[0].PersistentKeepalive != 25 {
		t.Errorf("keepalive = %d, want 25", stats[0].PersistentKeepalive)
	}
	if len(stats[0].AllowedIPs) != 1 {
		t.Errorf("allowed ips = %v", stats[0].AllowedIPs)
	}

	// update-only on an unknown key is a no-op
	unknown, _ := NewPrivateKey()
	if err := dev.ConfigurePeer(PeerConfig{PublicKey: unknown.PublicKey(), UpdateOnly: true}); err != nil {
		t.Fatal(err)
	}
	if got := len(dev.PeerStats()); got != 1 {
		t.Fatalf("update-only created a peer: %d", got)
	}

	// removal
	if err := dev.ConfigurePeer(PeerConfig{PublicKey: other.PublicKey(), Remove: true}); err != nil {
		t.Fatal(err)
	}
	if got := len(dev.PeerStats()); got != 0 {
		t.Fatalf("peer survived removal: %d", got)
	}
}
