// analog-probe is the host driver for an analog contact probe. It talks
// to the probe MCU over a serial port (or a unix socket to mock-probe),
// reads console commands from stdin and serves metrics and a status
// websocket.
//
// Usage:
//
//	analog-probe -config probe.cfg [options]
//
// Options:
//
//	-config string   Probe configuration file (required)
//	-env string      Deployment .env file (default ".env")
//	-logfile string  Also write logs to this file, rotated
//	-logmax int      Rotate the log file at this many megabytes (default 10)
//	-attach          The MCU is already configured; only re-arm it
//
// Examples:
//
//	# Against the simulated MCU
//	mock-probe -socket /tmp/analog_probe &
//	analog-probe -config probe.cfg   # [mcu] serial: unix:/tmp/analog_probe
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tarm/serial"

	"klipper-analog-probe/pkg/analogprobe"
	"klipper-analog-probe/pkg/channel"
	"klipper-analog-probe/pkg/clocksync"
	"klipper-analog-probe/pkg/config"
	"klipper-analog-probe/pkg/gcode"
	"klipper-analog-probe/pkg/log"
	"klipper-analog-probe/pkg/mcu"
	"klipper-analog-probe/pkg/metrics"
	"klipper-analog-probe/pkg/protocol"
	"klipper-analog-probe/pkg/reactor"
	"klipper-analog-probe/pkg/samplelog"
	"klipper-analog-probe/pkg/statusws"
)

const probeOID channel.OID = 0

const (
	clockSeedAttempts = 5
	clockSeedRetry    = 500 * time.Millisecond
)

var logger = log.GetLogger("main")

func main() {
	configFile := flag.String("config", "", "Probe configuration file (required)")
	envFile := flag.String("env", ".env", "Deployment .env file")
	logFile := flag.String("logfile", "", "Also write logs to this file")
	logMax := flag.Int("logmax", 10, "Rotate the log file at this many megabytes")
	attach := flag.Bool("attach", false, "MCU already holds the configuration")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	if *logFile != "" {
		w, err := log.TeeToFile(log.Default(), log.RotationConfig{Filename: *logFile, MaxSize: *logMax})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
	}

	if err := run(*configFile, *envFile, *attach); err != nil {
		logger.WithError(err).Error("analog-probe stopped")
		os.Exit(1)
	}
}

func run(configFile, envFile string, attach bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	mcuSec, err := config.ReadMCU(cfg)
	if err != nil {
		return err
	}
	probeSec, err := config.ReadProbe(cfg)
	if err != nil {
		return err
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		return err
	}
	deploy := config.LoadDeployment(envFile)

	dict := protocol.DefaultDictionary()
	if mcuSec.Dictionary != "" {
		if dict, err = protocol.LoadDictionary(mcuSec.Dictionary); err != nil {
			return fmt.Errorf("load dictionary: %w", err)
		}
	}
	formats, err := dict.BuildFormats()
	if err != nil {
		return err
	}
	freq, err := dict.ClockFreq()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, polling, err := openPort(mcuSec)
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{"port": mcuSec.Serial, "clock_freq": freq}).Info("MCU port open")

	r := reactor.New()
	r.Run()
	cs := clocksync.New(freq)
	pm := metrics.NewProbeMetrics()

	link := mcu.NewLink(port, formats)
	link.SetPolling(polling)
	ch := channel.New(link, dict, formats, r, channel.Options{
		QueryTimeout: probeSec.QueryTimeout,
		Observer:     pm,
	})
	link.OnMessage(ch.HandleMessage)
	link.Start()

	sinks, err := buildSinks(ctx, probeSec.LogDir, deploy)
	if err != nil {
		return err
	}

	disp := gcode.NewDispatcher(pm)
	head := gcode.NewToolhead()
	head.Register(disp)

	var p *analogprobe.Probe
	hub := statusws.NewHub(func() interface{} { return p.Status() }, disp.Run)
	p, err = analogprobe.New(analogprobe.Config{OID: probeOID, Probe: probeSec}, analogprobe.Deps{
		Channel:  ch,
		Reactor:  r,
		Clock:    cs,
		Toolhead: head,
		Scripts:  disp,
		Sinks:    sinks,
		Metrics:  pm,
		Notifier: hub,
	})
	if err != nil {
		return err
	}
	p.RegisterCommands(disp)
	pm.SetCalibration(p.Calibration().State())

	msCfg := metrics.DefaultMetricsServerConfig()
	msCfg.Address = deploy.MetricsAddr
	msCfg.Username = deploy.MetricsUser
	msCfg.Password = deploy.MetricsPass
	ms := metrics.NewMetricsServerWithConfig(pm, msCfg)
	ms.SetReadyCheck(func() error { return ready(link, ch, cs) })
	var statusSrv *http.Server
	if deploy.StatusAddr == "" {
		ms.Handle("/ws", hub)
	} else {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		statusSrv = &http.Server{Addr: deploy.StatusAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	setup := p.Configure
	if attach {
		setup = p.Attach
	}
	if err := setup(ctx); err != nil {
		return fmt.Errorf("configure probe: %w", err)
	}
	// Sampling is scheduled in MCU ticks, so nothing may issue commands
	// before the first clock report.
	if err := seedClock(ctx, ch, r, cs, clockSeedAttempts); err != nil {
		return err
	}
	metricsErr := ms.StartAsync()
	if statusSrv != nil {
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("status server failed")
			}
		}()
	}
	clockDone := make(chan struct{})
	go func() {
		defer close(clockDone)
		syncClock(ctx, ch, r, cs)
	}()

	logger.WithFields(log.Fields{
		"metrics": deploy.MetricsAddr,
		"log_dir": p.LogDir(),
	}).Info("analog probe ready")

	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		console(ctx, os.Stdin, os.Stdout, disp)
	}()

	select {
	case <-ctx.Done():
	case <-link.Done():
		logger.Error("MCU link lost")
	case err := <-metricsErr:
		if err != nil {
			logger.WithError(err).Error("metrics server failed")
		}
	}
	stop()
	logger.Info("shutting down")

	// The console goroutine may be parked in a stdin read; it exits with
	// the process.
	select {
	case <-consoleDone:
	case <-time.After(100 * time.Millisecond):
	}
	<-clockDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("sessions still queued at shutdown")
	}
	ch.Close()
	link.Close()
	r.End()
	r.Wait()
	hub.Close()
	if statusSrv != nil {
		statusSrv.Shutdown(shutdownCtx)
	}
	ms.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return nil
}

// ready reports why the host cannot serve probe commands, if it cannot.
func ready(link *mcu.Link, ch *channel.Channel, cs *clocksync.ClockSync) error {
	select {
	case <-link.Done():
		return errors.New("MCU link lost")
	default:
	}
	if !ch.Configured() {
		return errors.New("probe not configured")
	}
	if !cs.Initialized() {
		return errors.New("MCU clock not synchronized")
	}
	return nil
}

// openPort opens the MCU port. "unix:<path>" dials a socket; anything
// else is a serial device.
func openPort(m config.MCUSection) (io.ReadWriteCloser, bool, error) {
	if path, ok := strings.CutPrefix(m.Serial, "unix:"); ok {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, false, fmt.Errorf("connect %s: %w", path, err)
		}
		return conn, false, nil
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        m.Serial,
		Baud:        m.Baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", m.Serial, err)
	}
	return port, true, nil
}

// buildSinks returns the CSV sink followed by any configured mirrors.
// A mirror that cannot be reached is skipped with a warning.
func buildSinks(ctx context.Context, dir string, d config.Deployment) ([]samplelog.Sink, error) {
	csv, err := samplelog.NewCSVSink(dir)
	if err != nil {
		return nil, err
	}
	sinks := []samplelog.Sink{csv}

	if d.ClickHouseAddr != "" {
		s, err := samplelog.NewClickHouseSink(ctx, samplelog.ClickHouseConfig{
			Addr:     d.ClickHouseAddr,
			Database: d.ClickHouseDB,
			Username: d.ClickHouseUser,
			Password: d.ClickHousePass,
		})
		if err != nil {
			logger.WithError(err).Warn("ClickHouse sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}
	if d.MQTTBroker != "" {
		s, err := samplelog.NewMQTTSink(samplelog.MQTTConfig{
			Broker:      d.MQTTBroker,
			ClientID:    d.MQTTClientID,
			Username:    d.MQTTUsername,
			Password:    d.MQTTPassword,
			TopicPrefix: d.MQTTTopicPrefix,
		})
		if err != nil {
			logger.WithError(err).Warn("MQTT sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}
	if d.RedisAddr != "" {
		s, err := samplelog.NewRedisSink(ctx, samplelog.RedisConfig{
			Addr:     d.RedisAddr,
			Password: d.RedisPassword,
			DB:       d.RedisDB,
			Channel:  d.RedisChannel,
		})
		if err != nil {
			logger.WithError(err).Warn("Redis sink disabled")
		} else {
			sinks = append(sinks, s)
		}
	}
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	logger.WithField("sinks", strings.Join(names, ",")).Info("session sinks ready")
	return sinks, nil
}

// seedClock blocks until one get_clock round trip has seeded cs, trying
// up to attempts times.
func seedClock(ctx context.Context, ch *channel.Channel, r *reactor.Reactor, cs *clocksync.ClockSync, attempts int) error {
	clockLog := log.GetLogger("clocksync")
	var err error
	for i := 1; i <= attempts; i++ {
		sent := r.Monotonic()
		var rep channel.ClockReport
		if rep, err = ch.GetClock(ctx); err == nil {
			cs.HandleClock(rep.Clock, sent, r.Monotonic())
			clockLog.WithField("clock", rep.Clock).Info("MCU clock synchronized")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clockLog.WithError(err).WithField("attempt", i).Warn("initial clock query failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(clockSeedRetry):
		}
	}
	return fmt.Errorf("synchronize MCU clock: %w", err)
}

// syncClock keeps the clock estimate fed until ctx ends. A report that
// arrives while the estimate is unseeded seeds it.
func syncClock(ctx context.Context, ch *channel.Channel, r *reactor.Reactor, cs *clocksync.ClockSync) {
	clockLog := log.GetLogger("clocksync")
	ticker := time.NewTicker(time.Duration(clocksync.QUERY_INTERVAL * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sent := r.Monotonic()
		rep, err := ch.GetClock(ctx)
		if err != nil {
			if ctx.Err() == nil {
				clockLog.WithError(err).Warn("clock query failed")
			}
			continue
		}
		cs.HandleClock(rep.Clock, sent, r.Monotonic())
	}
}

// console runs one command per input line until ctx ends or in closes.
func console(ctx context.Context, in io.Reader, out io.Writer, d *gcode.Dispatcher) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			resp, err := d.Run(ctx, line)
			for _, r := range resp {
				fmt.Fprintf(out, "// %s\n", r)
			}
			if err != nil {
				fmt.Fprintf(out, "!! %v\n", err)
			}
		}
	}
}
