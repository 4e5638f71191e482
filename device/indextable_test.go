/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import "testing"

func TestIndexTableAllocation(t *testing.T) {
	var table indexTable
	table.Init()

	p := new(peer)
	seen := make(map[uint32]bool)

	for i := 0; i < 1000; i++ {
		hs := new(handshake)
		index, err := table.NewIndexForHandshake(p, hs)
		if err != nil {
			t.Fatal(err)
		}
		if seen[index] {
			t.Fatalf("index %d allocated twice while still live", index)
		}
		seen[index] = true

		entry := table.Lookup(index)
		if entry.peer != p || entry.handshake != hs || entry.keypair != nil {
			t.Fatal("lookup after allocation returned wrong entry")
		}
	}
}

func TestIndexTableSwapAndDelete(t *testing.T) {
	var table indexTable
	table.Init()

	p := new(peer)
	hs := new(handshake)

	index, err := table.NewIndexForHandshake(p, hs)
	if err != nil {
		t.Fatal(err)
	}

	kp := new(keypair)
	kp.localIndex = index
	table.SwapIndexForKeypair(index, kp)

	entry := table.Lookup(index)
	if entry.keypair != kp {
		t.Fatal("swap did not install the keypair")
	}
	if entry.handshake != nil {
		t.Fatal("swap did not clear the handshake reference")
	}
	if entry.peer != p {
		t.Fatal("swap lost the peer reference")
	}

	table.Delete(index)
	if got := table.Lookup(index); got.peer != nil || got.keypair != nil || got.handshake != nil {
		t.Fatal("lookup after delete must return an empty entry")
	}

	// swapping a deleted index is a no-op
	table.SwapIndexForKeypair(index, kp)
	if got := table.Lookup(index); got.keypair != nil {
		t.Fatal("swap must not resurrect a deleted index")
	}
}
