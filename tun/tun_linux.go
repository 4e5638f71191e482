/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package tun

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifnamsiz        = unix.IFNAMSIZ
	DefaultMTU      = 1420
)

// ifreq as consumed by TUNSETIFF and the SIOC{G,S}IF* calls.
type ifreq struct {
	Name  [ifnamsiz]byte
	Flags uint16
	_     [22]byte
}

type nativeTun struct {
	file   *os.File
	name   string
	mtu    int
	events chan Event

	closeOnce sync.Once
}

// CreateTUN creates a TUN device named name with the given MTU.
// An empty name lets the kernel pick one ("tun%d").
func CreateTUN(name string, mtu int) (Device, error) {
	fd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("CreateTUN(%q) failed; %s does not exist", name, cloneDevicePath)
		}
		return nil, err
	}

	var req ifreq
	req.Flags = unix.IFF_TUN | unix.IFF_NO_PI
	if len(name) >= ifnamsiz {
		unix.Close(fd)
		return nil, fmt.Errorf("interface name too long: %q", name)
	}
	copy(req.Name[:], name)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&req)),
	)
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("ioctl TUNSETIFF: %v", errno)
	}

	actual := string(req.Name[:])
	if idx := strings.IndexByte(actual, 0); idx != -1 {
		actual = actual[:idx]
	}

	if mtu == 0 {
		mtu = DefaultMTU
	}
	if err := setMTU(actual, mtu); err != nil {
		unix.Close(fd)
		return nil, err
	}

	tun := &nativeTun{
		file:   os.NewFile(uintptr(fd), cloneDevicePath),
		name:   actual,
		mtu:    mtu,
		events: make(chan Event, 5),
	}
	tun.events <- EventUp
	return tun, nil
}

func setMTU(name string, mtu int) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var req struct {
		Name [ifnamsiz]byte
		MTU  int32
		_    [20]byte
	}
	copy(req.Name[:], name)
	req.MTU = int32(mtu)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.SIOCSIFMTU),
		uintptr(unsafe.Pointer(&req)),
	)
	if errno != 0 {
		return fmt.Errorf("ioctl SIOCSIFMTU: %v", errno)
	}
	return nil
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ConfigureAddress assigns addr/prefixLen to the interface and brings the
// link up.
func ConfigureAddress(name string, addr netip.Addr, prefixLen int) error {
	cidr := fmt.Sprintf("%s/%d", addr, prefixLen)
	if err := runCmd("ip", "addr", "add", cidr, "dev", name); err != nil {
		return err
	}
	return runCmd("ip", "link", "set", "dev", name, "up")
}

func (tun *nativeTun) File() *os.File {
	return tun.file
}

func (tun *nativeTun) Read(buf []byte, offset int) (int, error) {
	return tun.file.Read(buf[offset:])
}

func (tun *nativeTun) Write(buf []byte, offset int) (int, error) {
	return tun.file.Write(buf[offset:])
}

func (tun *nativeTun) MTU() (int, error) {
	return tun.mtu, nil
}

func (tun *nativeTun) Name() (string, error) {
	return tun.name, nil
}

func (tun *nativeTun) Events() <-chan Event {
	return tun.events
}

func (tun *nativeTun) Close() error {
	var err error
	tun.closeOnce.Do(func() {
		close(tun.events)
		err = tun.file.Close()
	})
	return err
}
