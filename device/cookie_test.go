/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"crypto/rand"
	"testing"
)

func TestCookieMACs(t *testing.T) {
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := sk.PublicKey()

	var checker cookieChecker
	var generator cookieGenerator
	checker.Init(pk)
	generator.Init(pk)

	// source address of the initiator, as seen by the responder
	src := []byte{192, 0, 2, 31, 0xca, 0x3e}

	newMsg := func() []byte {
		msg := make([]byte, messageInitiationSize)
		rand.Read(msg[:messageInitiationSize-2*16])
		return msg
	}

	// mac1 is always set and verified

	msg := newMsg()
	generator.AddMacs(msg)
	if !checker.CheckMAC1(msg) {
		t.Fatal("mac1 authentication failed")
	}

	msg[5] ^= 0x40
	if checker.CheckMAC1(msg) {
		t.Fatal("mac1 must not verify for a modified message")
	}
	msg[5] ^= 0x40

	// without a cookie, mac2 is zero and never verifies

	if checker.CheckMAC2(msg, src) {
		t.Fatal("mac2 must not verify before a cookie reply")
	}

	// the responder hands out a cookie, the initiator replays it as mac2

	reply, err := checker.CreateReply(msg, 0x1001, src)
	if err != nil {
		t.Fatal(err)
	}
	if !generator.ConsumeReply(reply) {
		t.Fatal("failed to consume cookie reply")
	}

	msg = newMsg()
	generator.AddMacs(msg)
	if !checker.CheckMAC1(msg) {
		t.Fatal("mac1 authentication failed after cookie")
	}
	if !checker.CheckMAC2(msg, src) {
		t.Fatal("mac2 authentication failed with fresh cookie")
	}

	// mac2 binds the source address

	otherSrc := []byte{198, 51, 100, 9, 0x00, 0x35}
	if checker.CheckMAC2(msg, otherSrc) {
		t.Fatal("mac2 must not verify for a different source address")
	}

	// a tampered reply must not decrypt

	reply, err = checker.CreateReply(msg, 0x1001, src)
	if err != nil {
		t.Fatal(err)
	}
	reply.Cookie[3] ^= 0x80
	if generator.ConsumeReply(reply) {
		t.Fatal("tampered cookie reply must be rejected")
	}
}
