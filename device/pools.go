/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package device

import (
	"sync"
	"sync/atomic"
)

type waitPool struct {
	pool  sync.Pool
	cond  sync.Cond
	lock  sync.Mutex
	count atomic.Uint32
	max   uint32
}

func newWaitPool(max uint32, new func() any) *waitPool {
	p := &waitPool{pool: sync.Pool{New: new}, max: max}
	p.cond = sync.Cond{L: &p.lock}
	return p
}

func (p *waitPool) get() any {
	if p.max != 0 {
		p.lock.Lock()
		for p.count.Load() >= p.max {
			p.cond.Wait()
		}
		p.count.Add(1)
		p.lock.Unlock()
	}
	return p.pool.Get()
}

func (p *waitPool) put(x any) {
	p.pool.Put(x)
	if p.max == 0 {
		return
	}
	p.count.Add(^uint32(0))
	p.cond.Signal()
}

func (device *Device) PopulatePools() {
	device.pool.messageBuffers = newWaitPool(preallocatedBuffersPerPool, func() any {
		return new([maxMessageSize]byte)
	})
	device.pool.inboundElements = newWaitPool(preallocatedBuffersPerPool, func() any {
		return new(queueInboundElement)
	})
	device.pool.outboundElements = newWaitPool(preallocatedBuffersPerPool, func() any {
		return new(queueOutboundElement)
	})
}

func (device *Device) getMessageBuffer() *[maxMessageSize]byte {
	return device.pool.messageBuffers.get().(*[maxMessageSize]byte)
}

func (device *Device) putMessageBuffer(msg *[maxMessageSize]byte) {
	device.pool.messageBuffers.put(msg)
}

func (device *Device) getInboundElement() *queueInboundElement {
	return device.pool.inboundElements.get().(*queueInboundElement)
}

func (device *Device) putInboundElement(elem *queueInboundElement) {
	elem.clearPointers()
	device.pool.inboundElements.put(elem)
}

func (device *Device) getOutboundElement() *queueOutboundElement {
	return device.pool.outboundElements.get().(*queueOutboundElement)
}

func (device *Device) putOutboundElement(elem *queueOutboundElement) {
	elem.clearPointers()
	device.pool.outboundElements.put(elem)
}
