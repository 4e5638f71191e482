/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tun

import (
	"io"
	"os"
	"sync"
)

// ChannelTUN is an in-memory Device backed by channels. It stands in for a
// kernel TUN interface in tests: packets sent to Inbound are read by the
// tunnel engine, packets the engine delivers appear on Outbound.
type ChannelTUN struct {
	Inbound  chan []byte // host -> engine
	Outbound chan []byte // engine -> host

	mtu    int
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

func NewChannelTUN(mtu int) *ChannelTUN {
	if mtu == 0 {
		mtu = DefaultMTU
	}
	c := &ChannelTUN{
		Inbound:  make(chan []byte, 256),
		Outbound: make(chan []byte, 256),
		mtu:      mtu,
		events:   make(chan Event, 5),
		closed:   make(chan struct{}),
	}
	c.events <- EventUp
	return c
}

func (c *ChannelTUN) File() *os.File { return nil }

func (c *ChannelTUN) Read(buf []byte, offset int) (int, error) {
	select {
	case <-c.closed:
		return 0, os.ErrClosed
	case packet := <-c.Inbound:
		return copy(buf[offset:], packet), nil
	}
}

func (c *ChannelTUN) Write(buf []byte, offset int) (int, error) {
	packet := make([]byte, len(buf)-offset)
	copy(packet, buf[offset:])
	select {
	case <-c.closed:
		return 0, os.ErrClosed
	case c.Outbound <- packet:
		return len(packet), nil
	}
}

func (c *ChannelTUN) MTU() (int, error) { return c.mtu, nil }

func (c *ChannelTUN) Name() (string, error) { return "channel", nil }

func (c *ChannelTUN) Events() <-chan Event { return c.events }

func (c *ChannelTUN) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.events)
	})
	return nil
}

var _ Device = (*ChannelTUN)(nil)
var _ io.Closer = (*ChannelTUN)(nil)
