/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2022 WireGuard LLC. All Rights Reserved.
 * Copyright (C) 2023 HashiCorp Inc.
 */

package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/ipc"

	"github.com/hashicorp/go-packetguard/config"
	"github.com/hashicorp/go-packetguard/device"
	"github.com/hashicorp/go-packetguard/tun"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

const envForeground = "PACKETGUARD_FOREGROUND"

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	foregroundFlag := flag.Bool("foreground", false, "remain attached to the terminal")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -config <file> [-foreground]\n", os.Args[0])
		os.Exit(exitSetupFailed)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitSetupFailed)
	}

	foreground := *foregroundFlag || cfg.General.Foreground || os.Getenv(envForeground) == "1"
	if !foreground {
		// respawn the daemon detached from the terminal
		path, err := os.Executable()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to determine executable: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		attr := &os.ProcAttr{
			Files: []*os.File{nil, os.Stdout, os.Stderr},
			Env:   append(os.Environ(), envForeground+"=1"),
		}
		process, err := os.StartProcess(path, os.Args, attr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to daemonize: %v\n", err)
			os.Exit(exitSetupFailed)
		}
		process.Release()
		os.Exit(exitSetupSuccess)
	}

	interfaceName := cfg.Interface.Name
	if interfaceName == "" {
		interfaceName = "pg0"
	}

	logLevel := cfg.General.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  interfaceName,
		Level: hclog.LevelFromString(logLevel),
	})

	// open TUN device

	tdev, err := tun.CreateTUN(interfaceName, cfg.Interface.MTU)
	if err != nil {
		logger.Error("failed to create TUN device", "error", err)
		os.Exit(exitSetupFailed)
	}
	if realName, err := tdev.Name(); err == nil {
		interfaceName = realName
	}

	if cfg.Network != nil {
		addr, err := netip.ParseAddr(cfg.Network.Address)
		if err != nil {
			logger.Error("invalid network address", "error", err)
			tdev.Close()
			os.Exit(exitSetupFailed)
		}
		if err := tun.ConfigureAddress(interfaceName, addr, cfg.Network.PrefixLen); err != nil {
			logger.Error("failed to assign interface address", "error", err)
			tdev.Close()
			os.Exit(exitSetupFailed)
		}
	}

	dev := device.NewDevice(tdev, conn.NewDefaultBind(), logger)
	logger.Info("device started")

	// open UAPI socket

	fileUAPI, err := ipc.UAPIOpen(interfaceName)
	if err != nil {
		logger.Error("UAPI listen error", "error", err)
		dev.Close()
		os.Exit(exitSetupFailed)
	}
	uapi, err := ipc.UAPIListen(interfaceName, fileUAPI)
	if err != nil {
		logger.Error("failed to listen on UAPI socket", "error", err)
		dev.Close()
		os.Exit(exitSetupFailed)
	}

	errs := make(chan error)
	go func() {
		for {
			connection, err := uapi.Accept()
			if err != nil {
				errs <- err
				return
			}
			go dev.IpcHandle(connection)
		}
	}()
	logger.Info("UAPI listener started")

	// apply configuration and bring the device up

	uapiConf, err := cfg.UAPI()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		uapi.Close()
		dev.Close()
		os.Exit(exitSetupFailed)
	}
	if err := dev.IpcSet(uapiConf); err != nil {
		logger.Error("failed to configure device", "error", err)
		uapi.Close()
		dev.Close()
		os.Exit(exitSetupFailed)
	}
	if err := dev.Up(); err != nil {
		logger.Error("failed to bring device up", "error", err)
		uapi.Close()
		dev.Close()
		os.Exit(exitSetupFailed)
	}

	// wait for program to terminate

	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM)
	signal.Notify(term, os.Interrupt)

	select {
	case <-term:
	case err = <-errs:
		logger.Error("UAPI accept failed", "error", err)
	case <-dev.Wait():
	}

	// clean up

	uapi.Close()
	dev.Close()

	logger.Info("shutting down")
	os.Exit(exitSetupSuccess)
}
