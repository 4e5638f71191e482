/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"bytes"
	"encoding/binary"
	"hash"
	"testing"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"
	"golang.zx2c4.com/wireguard/conn"

	"github.com/hashicorp/go-packetguard/tun"
)

func randDevice(t *testing.T) *Device {
	t.Helper()
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	device := NewDevice(tun.NewChannelTUN(0), conn.NewDefaultBind(), hclog.NewNullLogger())
	device.SetPrivateKey(sk)
	return device
}

func assertNil(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func assertEqual(t *testing.T, a, b []byte) {
	t.Helper()
	if !bytes.Equal(a, b) {
		t.Fatal(a, "!=", b)
	}
}

func TestCurveWrappers(t *testing.T) {
	sk1, err := NewPrivateKey()
	assertNil(t, err)

	sk2, err := NewPrivateKey()
	assertNil(t, err)

	pk1 := sk1.PublicKey()
	pk2 := sk2.PublicKey()

	ss1 := sk1.sharedSecret(pk2)
	ss2 := sk2.sharedSecret(pk1)

	if ss1 != ss2 {
		t.Fatal("Failed to compute shared secet")
	}
}

// The in-repo KDF must agree with a straight RFC 5869 HKDF over Blake2s.
func TestKDF(t *testing.T) {
	blake := func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}

	cases := []struct {
		key   []byte
		input []byte
	}{
		{[]byte("test-key"), []byte("test-input")},
		{[]byte("wireguard"), []byte("wireguard")},
		{nil, nil},
	}

	for _, tc := range cases {
		var want [3 * blake2s.Size]byte
		reader := hkdf.New(blake, tc.input, tc.key, nil)
		if _, err := reader.Read(want[:]); err != nil {
			t.Fatal(err)
		}

		var t0, t1, t2 [blake2s.Size]byte

		kdf1(&t0, tc.key, tc.input)
		assertEqual(t, t0[:], want[:blake2s.Size])

		kdf2(&t0, &t1, tc.key, tc.input)
		assertEqual(t, t0[:], want[:blake2s.Size])
		assertEqual(t, t1[:], want[blake2s.Size:2*blake2s.Size])

		kdf3(&t0, &t1, &t2, tc.key, tc.input)
		assertEqual(t, t0[:], want[:blake2s.Size])
		assertEqual(t, t1[:], want[blake2s.Size:2*blake2s.Size])
		assertEqual(t, t2[:], want[2*blake2s.Size:])
	}
}

func TestMessageEncodingRoundTrip(t *testing.T) {
	encode := func(msg any) []byte {
		writer := new(bytes.Buffer)
		if err := binary.Write(writer, binary.LittleEndian, msg); err != nil {
			t.Fatal(err)
		}
		return writer.Bytes()
	}

	var init messageInitiation
	init.Type = messageInitiationType
	init.Sender = 0xdeadbeef
	for i := range init.Static {
		init.Static[i] = byte(i)
	}
	packet := encode(&init)
	if len(packet) != messageInitiationSize {
		t.Fatalf("initiation encodes to %d bytes, want %d", len(packet), messageInitiationSize)
	}
	var init2 messageInitiation
	assertNil(t, binary.Read(bytes.NewReader(packet), binary.LittleEndian, &init2))
	if init2 != init {
		t.Fatal("initiation round trip mismatch")
	}

	var resp messageResponse
	resp.Type = messageResponseType
	resp.Sender = 1
	resp.Receiver = 2
	packet = encode(&resp)
	if len(packet) != messageResponseSize {
		t.Fatalf("response encodes to %d bytes, want %d", len(packet), messageResponseSize)
	}
	var resp2 messageResponse
	assertNil(t, binary.Read(bytes.NewReader(packet), binary.LittleEndian, &resp2))
	if resp2 != resp {
		t.Fatal("response round trip mismatch")
	}

	var reply messageCookieReply
	reply.Type = messageCookieReplyType
	reply.Receiver = 99
	packet = encode(&reply)
	if len(packet) != messageCookieReplySize {
		t.Fatalf("cookie reply encodes to %d bytes, want %d", len(packet), messageCookieReplySize)
	}
	var reply2 messageCookieReply
	assertNil(t, binary.Read(bytes.NewReader(packet), binary.LittleEndian, &reply2))
	if reply2 != reply {
		t.Fatal("cookie reply round trip mismatch")
	}
}

func TestNoiseHandshake(t *testing.T) {
	dev1 := randDevice(t)
	dev2 := randDevice(t)

	defer dev1.Close()
	defer dev2.Close()

	peer1, err := dev2.NewPeer(dev1.staticIdentity.privateKey.PublicKey())
	assertNil(t, err)

	peer2, err := dev1.NewPeer(dev2.staticIdentity.privateKey.PublicKey())
	assertNil(t, err)

	peer1.start()
	peer2.start()

	assertEqual(
		t,
		peer1.handshake.precomputedStaticStatic[:],
		peer2.handshake.precomputedStaticStatic[:],
	)

	/* simulate handshake */

	// initiation message

	t.Log("exchange initiation message")

	msg1, err := dev1.createMessageInitiation(peer2)
	assertNil(t, err)

	packet := make([]byte, 0, 256)
	writer := bytes.NewBuffer(packet)
	err = binary.Write(writer, binary.LittleEndian, msg1)
	assertNil(t, err)
	peer := dev2.consumeMessageInitiation(msg1)
	if peer == nil {
		t.Fatal("handshake failed at initiation message")
	}

	assertEqual(
		t,
		peer1.handshake.chainKey[:],
		peer2.handshake.chainKey[:],
	)

	assertEqual(
		t,
		peer1.handshake.hash[:],
		peer2.handshake.hash[:],
	)

	// response message

	t.Log("exchange response message")

	msg2, err := dev2.createMessageResponse(peer1)
	assertNil(t, err)

	peer = dev1.consumeMessageResponse(msg2)
	if peer == nil {
		t.Fatal("handshake failed at response message")
	}

	assertEqual(
		t,
		peer1.handshake.chainKey[:],
		peer2.handshake.chainKey[:],
	)

	assertEqual(
		t,
		peer1.handshake.hash[:],
		peer2.handshake.hash[:],
	)

	// key pairs

	t.Log("deriving keys")

	err = peer1.beginSymmetricSession()
	if err != nil {
		t.Fatal("failed to derive keypair for peer 1", err)
	}

	err = peer2.beginSymmetricSession()
	if err != nil {
		t.Fatal("failed to derive keypair for peer 2", err)
	}

	key1 := peer1.keypairs.next.Load()
	key2 := peer2.keypairs.current

	// encrypting / decryption test

	t.Log("test key pairs")

	func() {
		testMsg := []byte("wireguard test message 1")
		var err error
		var out []byte
		var nonce [12]byte
		out = key1.send.Seal(out, nonce[:], testMsg, nil)
		out, err = key2.receive.Open(out[:0], nonce[:], out, nil)
		assertNil(t, err)
		assertEqual(t, out, testMsg)
	}()

	func() {
		testMsg := []byte("wireguard test message 2")
		var err error
		var out []byte
		var nonce [12]byte
		out = key2.send.Seal(out, nonce[:], testMsg, nil)
		out, err = key1.receive.Open(out[:0], nonce[:], out, nil)
		assertNil(t, err)
		assertEqual(t, out, testMsg)
	}()
}

// A stale initiation timestamp must be rejected by the responder.
func TestInitiationTimestampReplay(t *testing.T) {
	dev1 := randDevice(t)
	dev2 := randDevice(t)

	defer dev1.Close()
	defer dev2.Close()

	peer1, err := dev2.NewPeer(dev1.staticIdentity.privateKey.PublicKey())
	assertNil(t, err)
	_, err = dev1.NewPeer(dev2.staticIdentity.privateKey.PublicKey())
	assertNil(t, err)

	peer1.start()
	dev1peer := dev1.LookupPeer(dev2.staticIdentity.privateKey.PublicKey())
	dev1peer.start()

	msg1, err := dev1.createMessageInitiation(dev1peer)
	assertNil(t, err)

	if dev2.consumeMessageInitiation(msg1) == nil {
		t.Fatal("first initiation must be accepted")
	}

	// replayed bytes carry the identical timestamp and must be dropped
	if dev2.consumeMessageInitiation(msg1) != nil {
		t.Fatal("replayed initiation must be rejected")
	}
	if got := peer1.drops.replay.Load(); got != 1 {
		t.Fatalf("replay counter = %d, want 1", got)
	}
}
