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
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.zx2c4.com/wireguard/conn"
)

type queueHandshakeElement struct {
	msgType  uint32
	packet   []byte
	endpoint conn.Endpoint
	buffer   *[maxMessageSize]byte
}

type queueInboundElement struct {
	sync.Mutex
	buffer   *[maxMessageSize]byte
	packet   []byte
	counter  uint64
	keypair  *keypair
	endpoint conn.Endpoint
}

// clearPointers clears elem fields that contain pointers.
// This makes the garbage collector's life easier and
// avoids accidentally keeping other objects around unnecessarily.
// It also reduces the possible collateral damage from use-after-free bugs.
func (elem *queueInboundElement) clearPointers() {
	elem.buffer = nil
	elem.packet = nil
	elem.keypair = nil
	elem.endpoint = nil
}

/* Called when a new authenticated message has been received
 *
 * NOTE: Not thread safe, but called by sequential receiver!
 */
func (peer *peer) keepKeyFreshReceiving() {
	if peer.timers.sentLastMinuteHandshake.Load() {
		return
	}
	keypair := peer.keypairs.Current()
	if keypair != nil && keypair.isInitiator && time.Since(keypair.created) > (rejectAfterTime-keepaliveTimeout-rekeyTimeout) {
		peer.timers.sentLastMinuteHandshake.Store(true)
		peer.sendHandshakeInitiation(false)
	}
}

/* Receives incoming datagrams for the device
 *
 * Every time the bind is updated a new routine is started for
 * each receive function the bind exposes.
 */
func (device *Device) routineReceiveIncoming(maxBatchSize int, recv conn.ReceiveFunc) {
	defer func() {
		device.log.Debug("routine: receive incoming - stopped")
		device.queue.decryption.wg.Done()
		device.queue.handshake.wg.Done()
		device.net.stopping.Done()
	}()

	device.log.Debug("routine: receive incoming - started")

	// receive datagrams until conn is closed

	var (
		bufsArrs    = make([]*[maxMessageSize]byte, maxBatchSize)
		bufs        = make([][]byte, maxBatchSize)
		err         error
		sizes       = make([]int, maxBatchSize)
		count       int
		endpoints   = make([]conn.Endpoint, maxBatchSize)
		deathSpiral int
	)

	for i := range bufsArrs {
		bufsArrs[i] = device.getMessageBuffer()
		bufs[i] = bufsArrs[i][:]
	}

	defer func() {
		for i := 0; i < maxBatchSize; i++ {
			if bufsArrs[i] != nil {
				device.putMessageBuffer(bufsArrs[i])
			}
		}
	}()

	for {
		count, err = recv(bufs, sizes, endpoints)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			device.log.Error("failed to receive packet", "error", err)
			if neterr, ok := err.(net.Error); ok && !neterr.Temporary() {
				return
			}
			if deathSpiral < 10 {
				deathSpiral++
				time.Sleep(time.Second / 3)
				continue
			}
			return
		}
		deathSpiral = 0

		// handle each packet in the batch
		for i, size := range sizes[:count] {
			if size < minMessageSize {
				continue
			}

			// check size of packet

			packet := bufsArrs[i][:size]
			msgType := binary.LittleEndian.Uint32(packet[:4])

			var okay bool

			switch msgType {

			// check if transport

			case messageTransportType:

				// check size
				if len(packet) < messageTransportSize {
					continue
				}

				// lookup key pair
				receiver := binary.LittleEndian.Uint32(
					packet[messageTransportOffsetReceiver:messageTransportOffsetCounter],
				)
				value := device.indexTable.Lookup(receiver)
				keypair := value.keypair
				if keypair == nil {
					continue
				}

				// check keypair expiry

				if keypair.created.Add(rejectAfterTime).Before(time.Now()) {
					continue
				}

				// create work element
				peer := value.peer
				elem := device.getInboundElement()
				elem.packet = packet
				elem.buffer = bufsArrs[i]
				elem.keypair = keypair
				elem.endpoint = endpoints[i]
				elem.counter = 0
				elem.Mutex = sync.Mutex{}
				elem.Lock()

				// add to decryption queues
				if peer.isRunning.Load() {
					peer.queue.inbound.c <- elem
					device.queue.decryption.c <- elem
					bufsArrs[i] = device.getMessageBuffer()
					bufs[i] = bufsArrs[i][:]
				} else {
					device.putInboundElement(elem)
				}
				continue

			// otherwise it is a fixed size & handshake related packet

			case messageInitiationType:
				okay = len(packet) == messageInitiationSize

			case messageResponseType:
				okay = len(packet) == messageResponseSize

			case messageCookieReplyType:
				okay = len(packet) == messageCookieReplySize

			default:
				device.log.Debug("received message with unknown type", "type", msgType)
			}

			if okay {
				select {
				case device.queue.handshake.c <- queueHandshakeElement{
					msgType:  msgType,
					buffer:   bufsArrs[i],
					packet:   packet,
					endpoint: endpoints[i],
				}:
					bufsArrs[i] = device.getMessageBuffer()
					bufs[i] = bufsArrs[i][:]
				default:
				}
			}
		}
	}
}

func (device *Device) routineDecryption(id int) {
	var nonce [chacha20poly1305.NonceSize]byte

	defer device.log.Debug("routine: decryption worker - stopped", "id", id)
	device.log.Debug("routine: decryption worker - started", "id", id)

	for elem := range device.queue.decryption.c {
		// split message into fields
		counter := elem.packet[messageTransportOffsetCounter:messageTransportOffsetContent]
		content := elem.packet[messageTransportOffsetContent:]

		// decrypt and release to consumer
		var err error
		elem.counter = binary.LittleEndian.Uint64(counter)
		// copy counter to nonce
		binary.LittleEndian.PutUint64(nonce[0x4:0xc], elem.counter)
		elem.packet, err = elem.keypair.receive.Open(
			content[:0],
			nonce[:],
			content,
			nil,
		)
		if err != nil {
			elem.packet = nil
		}
		elem.Unlock()
	}
}

/* Handles incoming packets related to handshake
 */
func (device *Device) routineHandshake(id int) {
	defer func() {
		device.log.Debug("routine: handshake worker - stopped", "id", id)
		device.queue.encryption.wg.Done()
	}()
	device.log.Debug("routine: handshake worker - started", "id", id)

	for elem := range device.queue.handshake.c {

		// handle cookie fields and ratelimiting

		switch elem.msgType {

		case messageCookieReplyType:

			// unmarshal packet
			var reply messageCookieReply
			reader := bytes.NewReader(elem.packet)
			err := binary.Read(reader, binary.LittleEndian, &reply)
			if err != nil {
				device.log.Debug("failed to decode cookie reply")
				goto skip
			}

			// lookup peer from index
			entry := device.indexTable.Lookup(reply.Receiver)
			if entry.peer == nil {
				goto skip
			}

			// consume reply
			if peer := entry.peer; peer.isRunning.Load() {
				device.log.Debug("receiving cookie response", "source", elem.endpoint.DstToString())
				if !peer.cookieGenerator.ConsumeReply(&reply) {
					device.log.Debug("could not decrypt invalid cookie response")
				}
			}

			goto skip

		case messageInitiationType, messageResponseType:

			// check mac fields and maybe ratelimit
			if !device.cookieChecker.CheckMAC1(elem.packet) {
				device.log.Debug("received packet with invalid mac1")
				goto skip
			}

			// endpoints destination address is the source of the datagram
			if device.IsUnderLoad() {

				// verify MAC2 field
				if !device.cookieChecker.CheckMAC2(elem.packet, elem.endpoint.DstToBytes()) {
					device.sendHandshakeCookie(&elem)
					goto skip
				}

				// check ratelimiter
				if !device.rate.limiter.Allow(elem.endpoint.DstIP()) {
					goto skip
				}
			}

		default:
			device.log.Error("invalid packet ended up in the handshake queue")
			goto skip
		}

		// handle handshake initiation/response content
		switch elem.msgType {
		case messageInitiationType:

			// unmarshal
			var msg messageInitiation
			reader := bytes.NewReader(elem.packet)
			err := binary.Read(reader, binary.LittleEndian, &msg)
			if err != nil {
				device.log.Error("failed to decode initiation message")
				goto skip
			}

			// consume initiation
			peer := device.consumeMessageInitiation(&msg)
			if peer == nil {
				device.log.Debug("received invalid initiation message", "source", elem.endpoint.DstToString())
				goto skip
			}

			// update timers

			peer.timersAnyAuthenticatedPacketTraversal()
			peer.timersAnyAuthenticatedPacketReceived()

			// update endpoint
			peer.setEndpointFromPacket(elem.endpoint)

			device.log.Debug("received handshake initiation", "peer", peer.String())
			peer.rxBytes.Add(uint64(len(elem.packet)))

			peer.sendHandshakeResponse()

		case messageResponseType:

			// unmarshal

			var msg messageResponse
			reader := bytes.NewReader(elem.packet)
			err := binary.Read(reader, binary.LittleEndian, &msg)
			if err != nil {
				device.log.Error("failed to decode response message")
				goto skip
			}

			// consume response

			peer := device.consumeMessageResponse(&msg)
			if peer == nil {
				device.log.Debug("received invalid response message", "source", elem.endpoint.DstToString())
				goto skip
			}

			// update endpoint
			peer.setEndpointFromPacket(elem.endpoint)

			device.log.Debug("received handshake response", "peer", peer.String())
			peer.rxBytes.Add(uint64(len(elem.packet)))

			// update timers

			peer.timersAnyAuthenticatedPacketTraversal()
			peer.timersAnyAuthenticatedPacketReceived()

			// derive keypair

			err = peer.beginSymmetricSession()

			if err != nil {
				device.log.Error("failed to derive keypair", "peer", peer.String(), "error", err)
				goto skip
			}

			peer.timersSessionDerived()
			peer.timersHandshakeComplete()
			peer.sendKeepalive()
		}
	skip:
		device.putMessageBuffer(elem.buffer)
	}
}

func (peer *peer) routineSequentialReceiver() {
	device := peer.device
	defer func() {
		device.log.Debug("routine: sequential receiver - stopped", "peer", peer.String())
		peer.stopping.Done()
	}()
	device.log.Debug("routine: sequential receiver - started", "peer", peer.String())

	for elem := range peer.queue.inbound.c {
		if elem == nil {
			return
		}
		var err error

		elem.Lock()
		if elem.packet == nil {
			// decryption failed
			peer.drops.crypto.Add(1)
			goto skip
		}

		if !elem.keypair.replayFilter.ValidateCounter(elem.counter, rejectAfterMessages) {
			peer.drops.replay.Add(1)
			goto skip
		}

		peer.setEndpointFromPacket(elem.endpoint)
		if peer.receivedWithKeypair(elem.keypair) {
			peer.timersHandshakeComplete()
			peer.sendStagedPackets()
		}

		peer.keepKeyFreshReceiving()
		peer.timersAnyAuthenticatedPacketTraversal()
		peer.timersAnyAuthenticatedPacketReceived()
		peer.rxBytes.Add(uint64(len(elem.packet) + minMessageSize))

		if len(elem.packet) == 0 {
			device.log.Debug("receiving keepalive packet", "peer", peer.String())
			goto skip
		}
		peer.timersDataReceived()

		// verify source address and strip padding

		switch elem.packet[0] >> 4 {
		case 4:
			if len(elem.packet) < ipv4.HeaderLen {
				goto skip
			}
			field := elem.packet[IPv4offsetTotalLength : IPv4offsetTotalLength+2]
			length := binary.BigEndian.Uint16(field)
			if int(length) > len(elem.packet) || int(length) < ipv4.HeaderLen {
				goto skip
			}
			elem.packet = elem.packet[:length]
			src := elem.packet[IPv4offsetSrc : IPv4offsetSrc+net.IPv4len]
			if device.allowedips.Lookup(src) != peer {
				peer.drops.routing.Add(1)
				device.log.Debug("IPv4 packet with disallowed source address", "peer", peer.String())
				goto skip
			}

		case 6:
			if len(elem.packet) < ipv6.HeaderLen {
				goto skip
			}
			field := elem.packet[IPv6offsetPayloadLength : IPv6offsetPayloadLength+2]
			length := binary.BigEndian.Uint16(field)
			length += ipv6.HeaderLen
			if int(length) > len(elem.packet) {
				goto skip
			}
			elem.packet = elem.packet[:length]
			src := elem.packet[IPv6offsetSrc : IPv6offsetSrc+net.IPv6len]
			if device.allowedips.Lookup(src) != peer {
				peer.drops.routing.Add(1)
				device.log.Debug("IPv6 packet with disallowed source address", "peer", peer.String())
				goto skip
			}

		default:
			device.log.Debug("packet with invalid IP version", "peer", peer.String())
			goto skip
		}

		_, err = device.tun.device.Write(
			elem.buffer[:messageTransportOffsetContent+len(elem.packet)],
			messageTransportOffsetContent,
		)
		if err != nil && !device.isClosed() {
			device.log.Error("failed to write packet to TUN device", "error", err)
		}
	skip:
		device.putMessageBuffer(elem.buffer)
		device.putInboundElement(elem)
	}
}
