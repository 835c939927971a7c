//go:build linux
//
// Demo CLI for the nearlink proximity core (Linux only)
//
// Prerequisites
// - Linux with BlueZ (bluetoothd) running and system D-Bus access.
// - Adapter powered on: `bluetoothctl power on`.
// - RegisterProfile/RegisterAdvertisement usually need elevated privileges:
//   run with `sudo` if needed.
//
// Modes
// 1) Scan for peers:
//     go run ./cmd/nearlink-demo -mode=scan -timeout=20s
//   Prints found/lost events with identity, address, name and device type.
//
// 2) Broadcast (advertise) for a while:
//     sudo go run ./cmd/nearlink-demo -mode=broadcast -name MyDevice -timeout=60s
//   Starts an advertising session, prints the session id, stops it on exit.
//
// 3) Listen for inbound links and echo received bytes:
//     sudo go run ./cmd/nearlink-demo -mode=listen -name MyDevice -timeout=120s
//   Registers the transport profile; peers that connect get their bytes
//   logged and echoed back.
//
// 4) Host info:
//     go run ./cmd/nearlink-demo -mode=host
//   Prints the local device name and chassis classification from hostnamed.
//
// Exit/Ctrl-C cancels via context.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"nearlink/internal/conn"
	"nearlink/internal/device"
	"nearlink/internal/devinfo"
	"nearlink/internal/medium"
	"nearlink/internal/session"
)

func main() {
	mode := flag.String("mode", "scan", "mode: scan|broadcast|listen|host")
	name := flag.String("name", "nearlink", "advertised service name (broadcast/listen modes)")
	timeout := flag.Duration("timeout", 20*time.Second, "operation timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	switch *mode {
	case "scan":
		runScan(ctx, entry)
	case "broadcast":
		runBroadcast(ctx, entry, *name)
	case "listen":
		runListen(ctx, entry, *name)
	case "host":
		runHost(entry)
	default:
		log.Fatalf("unknown mode: %s", *mode)
	}
}

func runScan(ctx context.Context, log *logrus.Entry) {
	m := medium.NewLinux(log)
	defer func() {
		if err := m.Close(); err != nil {
			log.WithError(err).Warn("medium close")
		}
	}()
	reg := device.NewRegistry(m, log)
	ctrl := session.NewController(m, reg, log)

	scan, err := ctrl.StartScan(session.ScanRequest{}, session.DiscoveryCallback{
		OnDeviceFound: func(d *device.Device) {
			log.WithFields(logrus.Fields{
				"path":    d.Path(),
				"address": d.GetMacAddress(),
				"name":    d.GetName(),
				"type":    d.GetDeviceType(),
			}).Info("device found")
		},
		OnDeviceLost: func(d *device.Device) {
			log.WithField("path", d.Path()).Info("device lost")
		},
	})
	if err != nil {
		log.WithError(err).Fatal("start scan")
	}
	<-ctx.Done()
	scan.Stop()
	log.Infof("scan finished, %d device(s) tracked", len(reg.Snapshot()))
}

func runBroadcast(ctx context.Context, log *logrus.Entry, serviceName string) {
	m := medium.NewLinux(log)
	defer func() {
		if err := m.Close(); err != nil {
			log.WithError(err).Warn("medium close")
		}
	}()
	reg := device.NewRegistry(m, log)
	ctrl := session.NewController(m, reg, log)

	id, err := ctrl.StartBroadcast(session.BroadcastRequest{ServiceName: serviceName}, nil)
	if err != nil {
		log.WithError(err).Fatal("start broadcast")
	}
	log.WithField("session", id).Info("broadcasting")
	<-ctx.Done()
	ctrl.StopBroadcast(id)
	log.Info("broadcast stopped")
}

func runListen(ctx context.Context, log *logrus.Entry, serviceName string) {
	m := medium.NewLinux(log)
	defer func() {
		if err := m.Close(); err != nil {
			log.WithError(err).Warn("medium close")
		}
	}()
	reg := device.NewRegistry(m, log)
	ctrl := session.NewController(m, reg, log)

	var mu sync.Mutex
	channels := make(map[string]*conn.Channel)

	m.SetInboundHandler(func(endpoint string, p []byte) {
		mu.Lock()
		ch, ok := channels[endpoint]
		if !ok {
			ch = ctrl.OpenChannel(endpoint)
			channels[endpoint] = ch
			mu.Unlock()
			log.WithField("endpoint", endpoint).Info("link established")
			_ = ch.Read(func(p []byte) {
				log.WithFields(logrus.Fields{"endpoint": endpoint, "bytes": len(p)}).Info("received")
				if err := ch.Write(p); err != nil {
					log.WithError(err).Warn("echo failed")
				}
			})
		} else {
			mu.Unlock()
		}
		ch.EnqueueReceived(p)
	})
	m.SetDisconnectedHandler(func(endpoint string) {
		mu.Lock()
		ch, ok := channels[endpoint]
		delete(channels, endpoint)
		mu.Unlock()
		if ok {
			ch.Close()
			log.WithField("endpoint", endpoint).Info("link closed")
		}
	})

	if err := m.RegisterTransport(serviceName); err != nil {
		log.WithError(err).Fatal("register transport")
	}
	log.Info("listening for inbound links")
	<-ctx.Done()

	mu.Lock()
	for _, ch := range channels {
		ch.Close()
	}
	mu.Unlock()
}

func runHost(log *logrus.Entry) {
	h, err := devinfo.NewHost(log)
	if err != nil {
		log.WithError(err).Fatal("connect system bus")
	}
	defer h.Close()
	log.WithFields(logrus.Fields{
		"name": h.DeviceName(),
		"type": h.DeviceType(),
		"user": devinfo.ProfileUserName(),
	}).Info("local device")
}
