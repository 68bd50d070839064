// mock-probe simulates an analog probe MCU for testing the host.
// It speaks the probe protocol over a unix socket:
//   - Clock queries
//   - Probe configuration, tare and thresholds
//   - Continuous sampling with a noisy signal and periodic contacts
//   - Streamed logging sessions
//
// Usage:
//
//	mock-probe -socket /tmp/analog_probe [-dict probe.dict] [-press 5]
package main

import (
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klipper-analog-probe/pkg/log"
	"klipper-analog-probe/pkg/mcu"
	"klipper-analog-probe/pkg/protocol"
)

var logger = log.GetLogger("mock")

func main() {
	socketPath := flag.String("socket", "/tmp/analog_probe", "Unix socket path")
	dictPath := flag.String("dict", "", "Write the data dictionary JSON here")
	base := flag.Float64("base", 2.0, "Resting reading")
	noise := flag.Float64("noise", 0.002, "Reading standard deviation")
	press := flag.Float64("press", 0, "Seconds between simulated contacts (0 disables)")
	flag.Parse()

	dict := protocol.DefaultDictionary()
	formats, err := dict.BuildFormats()
	if err != nil {
		logger.WithError(err).Error("building formats")
		os.Exit(1)
	}
	if *dictPath != "" {
		data, err := json.MarshalIndent(dict, "", "  ")
		if err == nil {
			err = os.WriteFile(*dictPath, data, 0644)
		}
		if err != nil {
			logger.WithError(err).Error("writing dictionary")
			os.Exit(1)
		}
	}

	os.Remove(*socketPath)
	listener, err := net.Listen("unix", *socketPath)
	if err != nil {
		logger.WithError(err).Error("creating socket")
		os.Exit(1)
	}
	defer listener.Close()
	defer os.Remove(*socketPath)

	logger.WithFields(log.Fields{
		"socket":     *socketPath,
		"clock_freq": protocol.DefaultClockFreq,
	}).Info("mock probe MCU listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	sig := frontEnd{Base: *base, Noise: *noise, Press: 0.5, Period: *press}
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return
		case conn := <-connCh:
			logger.Info("client connected")
			go serve(conn, formats, sig)
		}
	}
}

// serve runs one simulated MCU until the host disconnects.
func serve(conn net.Conn, formats *protocol.Formats, sig frontEnd) {
	link := mcu.NewLink(conn, formats)
	sim := NewSim(protocol.DefaultClockFreq, sig, func(name string, args ...int32) {
		payload, err := formats.Responses[name].Encode(args)
		if err != nil {
			logger.WithError(err).Error("encoding %s", name)
			return
		}
		if err := link.Send(payload); err != nil {
			logger.WithError(err).Debug("send %s", name)
		}
	})
	link.OnMessage(func(m *mcu.Message) { sim.Handle(m.Message) })
	link.Start()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-link.Done():
			link.Close()
			logger.Info("client disconnected")
			return
		case <-ticker.C:
			sim.Step()
		}
	}
}
