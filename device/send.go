/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

/* Outbound flow
 *
 * 1. TUN queue
 * 2. Routing (sequential)
 * 3. Nonce assignment (sequential)
 * 4. Encryption (parallel)
 * 5. Transmission (sequential)
 *
 * The functions in this file occur (roughly) in the order in
 * which the packets are processed.
 *
 * Locking, Producers and Consumers
 *
 * The order of packets (per peer) must be maintained,
 * but encryption of packets happen out-of-order:
 *
 * The sequential consumers will attempt to take the lock,
 * workers release lock when they have completed work (encryption) on the packet.
 *
 * If the element is inserted into the "encryption queue",
 * the content is preceded by enough "junk" to contain the transport header
 * (to allow the construction of transport messages in-place)
 */

type queueOutboundElement struct {
	sync.Mutex
	buffer  *[maxMessageSize]byte // slice holding the packet data
	packet  []byte                // slice of "buffer" (always!)
	nonce   uint64                // nonce for encryption
	keypair *keypair              // keypair for encryption
	peer    *peer                 // related peer
}

func (device *Device) newOutboundElement() *queueOutboundElement {
	elem := device.getOutboundElement()
	elem.buffer = device.getMessageBuffer()
	elem.Mutex = sync.Mutex{}
	elem.nonce = 0
	// keypair and peer were cleared (if necessary) by clearPointers.
	return elem
}

// clearPointers clears elem fields that contain pointers.
// This makes the garbage collector's life easier and
// avoids accidentally keeping other objects around unnecessarily.
// It also reduces the possible collateral damage from use-after-free bugs.
func (elem *queueOutboundElement) clearPointers() {
	elem.buffer = nil
	elem.packet = nil
	elem.keypair = nil
	elem.peer = nil
}

/* Queues a keepalive if no packets are queued for peer
 */
func (peer *peer) sendKeepalive() {
	if len(peer.queue.staged) == 0 && peer.isRunning.Load() {
		elem := peer.device.newOutboundElement()
		select {
		case peer.queue.staged <- elem:
			peer.device.log.Debug("sending keepalive packet", "peer", peer.String())
		default:
			peer.device.putMessageBuffer(elem.buffer)
			peer.device.putOutboundElement(elem)
		}
	}
	peer.sendStagedPackets()
}

func (peer *peer) sendHandshakeInitiation(isRetry bool) error {
	if !isRetry {
		peer.timers.handshakeAttempts.Store(0)
	}

	peer.handshake.mutex.RLock()
	if time.Since(peer.handshake.lastSentHandshake) < rekeyTimeout {
		peer.handshake.mutex.RUnlock()
		return nil
	}
	peer.handshake.mutex.RUnlock()

	peer.handshake.mutex.Lock()
	if time.Since(peer.handshake.lastSentHandshake) < rekeyTimeout {
		peer.handshake.mutex.Unlock()
		return nil
	}
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.mutex.Unlock()

	peer.device.log.Debug("sending handshake initiation", "peer", peer.String())

	msg, err := peer.device.createMessageInitiation(peer)
	if err != nil {
		peer.device.log.Error("failed to create initiation message", "peer", peer.String(), "error", err)
		return err
	}

	var buff [messageInitiationSize]byte
	writer := bytes.NewBuffer(buff[:0])
	binary.Write(writer, binary.LittleEndian, msg)
	packet := writer.Bytes()
	peer.cookieGenerator.AddMacs(packet)

	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	err = peer.sendBuffer(packet)
	if err != nil {
		peer.device.log.Error("failed to send handshake initiation", "peer", peer.String(), "error", err)
	}
	peer.timersHandshakeInitiated()

	return err
}

func (peer *peer) sendHandshakeResponse() error {
	peer.handshake.mutex.Lock()
	peer.handshake.lastSentHandshake = time.Now()
	peer.handshake.mutex.Unlock()

	peer.device.log.Debug("sending handshake response", "peer", peer.String())

	response, err := peer.device.createMessageResponse(peer)
	if err != nil {
		peer.device.log.Error("failed to create response message", "peer", peer.String(), "error", err)
		return err
	}

	var buff [messageResponseSize]byte
	writer := bytes.NewBuffer(buff[:0])
	binary.Write(writer, binary.LittleEndian, response)
	packet := writer.Bytes()
	peer.cookieGenerator.AddMacs(packet)

	err = peer.beginSymmetricSession()
	if err != nil {
		peer.device.log.Error("failed to derive keypair", "peer", peer.String(), "error", err)
		return err
	}

	peer.timersSessionDerived()
	peer.timersAnyAuthenticatedPacketTraversal()
	peer.timersAnyAuthenticatedPacketSent()

	// TODO: allocation could be avoided
	err = peer.sendBuffer(packet)
	if err != nil {
		peer.device.log.Error("failed to send handshake response", "peer", peer.String(), "error", err)
	}
	return err
}

func (device *Device) sendHandshakeCookie(initiatingElem *queueHandshakeElement) error {
	device.log.Debug("sending cookie reply for denied handshake message", "source", initiatingElem.endpoint.DstToString())

	sender := binary.LittleEndian.Uint32(initiatingElem.packet[4:8])
	reply, err := device.cookieChecker.CreateReply(initiatingElem.packet, sender, initiatingElem.endpoint.DstToBytes())
	if err != nil {
		device.log.Error("failed to create cookie reply", "error", err)
		return err
	}

	var buff [messageCookieReplySize]byte
	writer := bytes.NewBuffer(buff[:0])
	binary.Write(writer, binary.LittleEndian, reply)

	device.net.RLock()
	defer device.net.RUnlock()
	if device.net.bind == nil {
		return nil
	}
	return device.net.bind.Send([][]byte{writer.Bytes()}, initiatingElem.endpoint)
}

func (peer *peer) keepKeyFreshSending() {
	keypair := peer.keypairs.Current()
	if keypair == nil {
		return
	}
	nonce := keypair.sendNonce.Load()
	if nonce > rekeyAfterMessages || (keypair.isInitiator && time.Since(keypair.created) > rekeyAfterTime) {
		peer.sendHandshakeInitiation(false)
	}
}

// Reads packets from the TUN device, looks up the owning peer by the inner
// destination address and stages the packet on it.
func (device *Device) routineReadFromTUN() {
	defer func() {
		device.log.Debug("routine: TUN reader - stopped")
		device.state.stopping.Done()
		device.queue.encryption.wg.Done()
	}()

	device.log.Debug("routine: TUN reader - started")

	var elem *queueOutboundElement

	for {
		if elem != nil {
			device.putMessageBuffer(elem.buffer)
			device.putOutboundElement(elem)
		}
		elem = device.newOutboundElement()

		// read packet

		offset := messageTransportHeaderSize
		size, err := device.tun.device.Read(elem.buffer[:], offset)
		if err != nil {
			if !device.isClosed() {
				if !errors.Is(err, os.ErrClosed) {
					device.log.Error("failed to read packet from TUN device", "error", err)
				}
				go device.Close()
			}
			device.putMessageBuffer(elem.buffer)
			device.putOutboundElement(elem)
			return
		}

		if size == 0 || size > maxContentSize {
			continue
		}

		elem.packet = elem.buffer[offset : offset+size]

		// lookup peer by the inner destination address

		var peer *peer
		switch elem.packet[0] >> 4 {
		case 4:
			if len(elem.packet) < ipv4.HeaderLen {
				continue
			}
			dst := elem.packet[IPv4offsetDst : IPv4offsetDst+net.IPv4len]
			peer = device.allowedips.Lookup(dst)

		case 6:
			if len(elem.packet) < ipv6.HeaderLen {
				continue
			}
			dst := elem.packet[IPv6offsetDst : IPv6offsetDst+net.IPv6len]
			peer = device.allowedips.Lookup(dst)

		default:
			device.log.Debug("received packet with unknown IP version")
			continue
		}

		if peer == nil {
			device.counters.unroutable.Add(1)
			continue
		}
		if peer.isRunning.Load() {
			peer.stagePacket(elem)
			elem = nil
			peer.sendStagedPackets()
		}
	}
}

// stagePacket enqueues an outbound packet, dropping the oldest staged packet
// when the queue is full.
func (peer *peer) stagePacket(elem *queueOutboundElement) {
	for {
		select {
		case peer.queue.staged <- elem:
			return
		default:
		}
		select {
		case tooOld := <-peer.queue.staged:
			peer.device.putMessageBuffer(tooOld.buffer)
			peer.device.putOutboundElement(tooOld)
		default:
		}
	}
}

func (peer *peer) sendStagedPackets() {
top:
	if len(peer.queue.staged) == 0 || !peer.device.isUp() {
		return
	}

	keypair := peer.keypairs.Current()
	if keypair == nil || keypair.sendNonce.Load() >= rejectAfterMessages || time.Since(keypair.created) >= rejectAfterTime {
		peer.sendHandshakeInitiation(false)
		return
	}

	for {
		select {
		case elem := <-peer.queue.staged:
			elem.peer = peer
			elem.nonce = keypair.sendNonce.Add(1) - 1
			if elem.nonce >= rejectAfterMessages {
				keypair.sendNonce.Store(rejectAfterMessages)
				peer.stagePacket(elem) // XXX: Out of order, but we can't front-load go chans
				goto top
			}

			elem.keypair = keypair
			elem.Lock()

			// add to parallel and sequential queue
			if peer.isRunning.Load() {
				peer.queue.outbound.c <- elem
				peer.device.queue.encryption.c <- elem
			} else {
				peer.device.putMessageBuffer(elem.buffer)
				peer.device.putOutboundElement(elem)
			}
		default:
			return
		}
	}
}

func (peer *peer) flushStagedPackets() {
	for {
		select {
		case elem := <-peer.queue.staged:
			peer.device.putMessageBuffer(elem.buffer)
			peer.device.putOutboundElement(elem)
		default:
			return
		}
	}
}

func calculatePaddingSize(packetSize, mtu int) int {
	lastUnit := packetSize
	if mtu == 0 {
		return ((lastUnit + paddingMultiple - 1) & ^(paddingMultiple - 1)) - lastUnit
	}
	if lastUnit > mtu {
		lastUnit %= mtu
	}
	paddedSize := (lastUnit + paddingMultiple - 1) & ^(paddingMultiple - 1)
	if paddedSize > mtu {
		paddedSize = mtu
	}
	return paddedSize - lastUnit
}

/* Encrypts the elements in the queue
 * and marks them for sequential consumption (by releasing the mutex)
 *
 * Obs. One instance per core
 */
func (device *Device) routineEncryption(id int) {
	var paddingZeros [paddingMultiple]byte
	var nonce [chacha20poly1305.NonceSize]byte

	defer device.log.Debug("routine: encryption worker - stopped", "id", id)
	device.log.Debug("routine: encryption worker - started", "id", id)

	for elem := range device.queue.encryption.c {
		// populate header fields
		header := elem.buffer[:messageTransportHeaderSize]

		fieldType := header[0:4]
		fieldReceiver := header[4:8]
		fieldNonce := header[8:16]

		binary.LittleEndian.PutUint32(fieldType, messageTransportType)
		binary.LittleEndian.PutUint32(fieldReceiver, elem.keypair.remoteIndex)
		binary.LittleEndian.PutUint64(fieldNonce, elem.nonce)

		// pad content to multiple of 16
		paddingSize := calculatePaddingSize(len(elem.packet), int(device.tun.mtu.Load()))
		elem.packet = append(elem.packet, paddingZeros[:paddingSize]...)

		// encrypt content and release to consumer

		binary.LittleEndian.PutUint64(nonce[4:], elem.nonce)
		elem.packet = elem.keypair.send.Seal(
			header,
			nonce[:],
			elem.packet,
			nil,
		)
		elem.Unlock()
	}
}

/* Sequentially reads packets from queue and sends to endpoint
 *
 * Obs. Single instance per peer.
 * The routine terminates when it receives the nil element queued by peer.stop.
 */
func (peer *peer) routineSequentialSender() {
	device := peer.device
	defer func() {
		defer device.log.Debug("routine: sequential sender - stopped", "peer", peer.String())
		peer.stopping.Done()
	}()
	device.log.Debug("routine: sequential sender - started", "peer", peer.String())

	for elem := range peer.queue.outbound.c {
		if elem == nil {
			return
		}
		elem.Lock()
		if !peer.isRunning.Load() {
			// peer has been stopped; return re-usable elems to the shared pool.
			// This is an optimization only. It is possible for the peer to be stopped
			// immediately after this check, in which case, elem will get processed.
			// The timers and sendBuffer code are resilient to a few stragglers.
			device.putMessageBuffer(elem.buffer)
			device.putOutboundElement(elem)
			continue
		}

		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketSent()

		// send message and return buffer to pool

		err := peer.sendBuffer(elem.packet)
		if len(elem.packet) != messageKeepaliveSize {
			peer.timersDataSent()
		}
		device.putMessageBuffer(elem.buffer)
		device.putOutboundElement(elem)
		if err != nil {
			if errors.Is(err, errNoEndpoint) {
				continue
			}
			device.log.Error("failed to send data packet", "peer", peer.String(), "error", err)
			continue
		}

		peer.keepKeyFreshSending()
	}
}
