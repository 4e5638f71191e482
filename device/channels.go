/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"runtime"
	"sync"
)

// An outboundQueue is the shared encryption channel. It keeps the channel
// open as long as any producer holds a reference, and closes it once the
// refcount drops to zero so the worker goroutines exit cleanly.
type outboundQueue struct {
	c  chan *queueOutboundElement
	wg sync.WaitGroup
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{
		c: make(chan *queueOutboundElement, queueOutboundSize),
	}
	q.wg.Add(1)
	go func() {
		q.wg.Wait()
		close(q.c)
	}()
	return q
}

// An inboundQueue is similar to an outboundQueue; see those docs.
type inboundQueue struct {
	c  chan *queueInboundElement
	wg sync.WaitGroup
}

func newInboundQueue() *inboundQueue {
	q := &inboundQueue{
		c: make(chan *queueInboundElement, queueInboundSize),
	}
	q.wg.Add(1)
	go func() {
		q.wg.Wait()
		close(q.c)
	}()
	return q
}

// A handshakeQueue is similar to an outboundQueue; see those docs.
type handshakeQueue struct {
	c  chan queueHandshakeElement
	wg sync.WaitGroup
}

func newHandshakeQueue() *handshakeQueue {
	q := &handshakeQueue{
		c: make(chan queueHandshakeElement, queueHandshakeSize),
	}
	q.wg.Add(1)
	go func() {
		q.wg.Wait()
		close(q.c)
	}()
	return q
}

// An autodrainingInboundQueue carries decrypted packets to a peer's
// sequential receiver. It is self-draining: the garbage collector returns any
// stranded elements to the pools, so an abandoned peer never leaks buffers.
type autodrainingInboundQueue struct {
	c chan *queueInboundElement
}

func newAutodrainingInboundQueue(device *Device) *autodrainingInboundQueue {
	q := &autodrainingInboundQueue{
		c: make(chan *queueInboundElement, queueInboundSize),
	}
	runtime.SetFinalizer(q, device.flushInboundQueue)
	return q
}

func (device *Device) flushInboundQueue(q *autodrainingInboundQueue) {
	for {
		select {
		case elem := <-q.c:
			if elem == nil {
				continue
			}
			elem.Lock()
			device.putMessageBuffer(elem.buffer)
			device.putInboundElement(elem)
		default:
			return
		}
	}
}

// An autodrainingOutboundQueue carries encrypted packets to a peer's
// sequential sender; see autodrainingInboundQueue.
type autodrainingOutboundQueue struct {
	c chan *queueOutboundElement
}

func newAutodrainingOutboundQueue(device *Device) *autodrainingOutboundQueue {
	q := &autodrainingOutboundQueue{
		c: make(chan *queueOutboundElement, queueOutboundSize),
	}
	runtime.SetFinalizer(q, device.flushOutboundQueue)
	return q
}

func (device *Device) flushOutboundQueue(q *autodrainingOutboundQueue) {
	for {
		select {
		case elem := <-q.c:
			if elem == nil {
				continue
			}
			elem.Lock()
			device.putMessageBuffer(elem.buffer)
			device.putOutboundElement(elem)
		default:
			return
		}
	}
}
