/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"encoding/hex"
	"net/netip"
	"strings"
	"testing"
)

func TestUAPIGetReflectsSet(t *testing.T) {
	dev := randDevice(t)
	defer dev.Close()

	peerKey, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := peerKey.PublicKey()

	err = dev.IpcSet(uapiCfg(
		"public_key", hex.EncodeToString(pk[:]),
		"replace_allowed_ips", "true",
		"allowed_ip", "10.10.0.0/16",
		"persistent_keepalive_interval", "12",
	))
	if err != nil {
		t.Fatal(err)
	}

	dump, err := dev.IpcGet()
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"public_key=" + hex.EncodeToString(pk[:]),
		"allowed_ip=10.10.0.0/16",
		"persistent_keepalive_interval=12",
		"protocol_version=1",
		"tx_bytes=0",
		"rx_bytes=0",
	} {
		if !strings.Contains(dump, want) {
			t.Errorf("get output missing %q:\n%s", want, dump)
		}
	}
}

func TestUAPISetRejectsGarbage(t *testing.T) {
	dev := randDevice(t)
	defer dev.Close()

	cases := []string{
		"no_such_key=1\n",
		"private_key=tooshort\n",
		"public_key=zz\n",
		"listen_port=bogus\n",
	}
	for _, cfg := range cases {
		if err := dev.IpcSet(cfg); err == nil {
			t.Errorf("IpcSet(%q) succeeded, want error", cfg)
		}
	}
}

func TestUAPIRemovePeer(t *testing.T) {
	dev := randDevice(t)
	defer dev.Close()

	peerKey, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := peerKey.PublicKey()

	err = dev.IpcSet(uapiCfg(
		"public_key", hex.EncodeToString(pk[:]),
		"allowed_ip", "10.20.0.0/16",
	))
	if err != nil {
		t.Fatal(err)
	}
	if dev.LookupPeer(pk) == nil {
		t.Fatal("peer was not created")
	}

	err = dev.IpcSet(uapiCfg(
		"public_key", hex.EncodeToString(pk[:]),
		"remove", "true",
	))
	if err != nil {
		t.Fatal(err)
	}
	if dev.LookupPeer(pk) != nil {
		t.Fatal("peer was not removed")
	}

	// its routes must be gone too
	addr := netip.MustParseAddr("10.20.1.1").As4()
	if dev.allowedips.Lookup(addr[:]) != nil {
		t.Fatal("removed peer still owns routes")
	}
}
