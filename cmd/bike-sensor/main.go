// Command bike-sensor reads pedal and tire timings from a paired bike
// sensor and publishes them to MQTT, a websocket feed and a status page.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/bike-sensor/internal/config"
	"github.com/sweeney/bike-sensor/internal/export"
	"github.com/sweeney/bike-sensor/internal/mqtt"
	"github.com/sweeney/bike-sensor/internal/sensor"
	"github.com/sweeney/bike-sensor/internal/status"
	"github.com/sweeney/bike-sensor/internal/telemetry"
	"github.com/sweeney/bike-sensor/internal/transport"
	"github.com/sweeney/bike-sensor/internal/web"
)

type options struct {
	Demo       bool
	SaveOnExit string
	Heartbeat  time.Duration
}

func main() {
	configPath := flag.String("config", "", "Config file (.yaml, .yml or .toml)")
	demo := flag.Bool("demo", false, "Use a simulated sensor instead of the serial port")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	saveOnExit := flag.String("save-on-exit", "", "Export the raw log under this name on shutdown")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")

	flag.Parse()

	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			log.Fatalf("fatal: %v", err)
		}
		printPorts(os.Stdout, ports)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: %v", err)
	}
	cfg.ConfigureLogging()

	opts := options{Demo: *demo, SaveOnExit: *saveOnExit, Heartbeat: *heartbeat}
	if err := run(cfg, opts); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printPorts(w io.Writer, ports []transport.PortInfo) {
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(w, "%s\tusb %s:%s %s\n", p.Name, p.VID, p.PID, p.Product)
		} else {
			fmt.Fprintln(w, p.Name)
		}
	}
}

// daemon serves the web control API.
type daemon struct {
	svc      *sensor.Service
	device   transport.Device
	exporter export.Exporter
}

func (d *daemon) Connect(ctx context.Context) error {
	return d.svc.Connect(ctx, d.device)
}

func (d *daemon) Disconnect() {
	d.svc.Cancel()
}

func (d *daemon) Save(ctx context.Context, name string) (int, error) {
	return export.Save(ctx, d.svc.RawLog(), d.exporter, name)
}

func run(cfg *config.Config, opts options) error {
	var opener transport.Opener = transport.NewSerialOpener()
	if opts.Demo {
		opener = &transport.DemoOpener{}
	}
	svc := sensor.New(opener, sensor.Options{})
	defer svc.Close()

	exporter := cfg.Exporter()
	if c, ok := exporter.(io.Closer); ok {
		defer c.Close()
	}

	d := &daemon{svc: svc, device: cfg.DeviceHandle(), exporter: exporter}

	tracker := status.NewTracker(time.Now(), status.Config{
		Device:        cfg.Device.Name,
		Port:          cfg.Device.Port,
		Broker:        cfg.MQTT.Broker,
		HTTPAddr:      cfg.HTTP.Addr,
		ExportBackend: exporter.Backend(),
		WheelRadiusIn: cfg.Wheel.RadiusIn,
		PollMs:        telemetry.PollInterval.Milliseconds(),
		HeartbeatMs:   opts.Heartbeat.Milliseconds(),
		Demo:          opts.Demo,
	})

	var (
		publisher  mqtt.Publisher
		mqttStatus mqtt.ConnectionStatus
	)
	if cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			return errors.Wrap(err, "init mqtt")
		}
		defer p.Close()
		publisher, mqttStatus = p, p
		tracker.SetMQTTConnected(p.IsConnected())

		snap := tracker.Snapshot()
		startup := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := p.PublishSystem(startup); err != nil {
			log.WithError(err).Warn("failed to publish startup event")
		} else {
			log.Info("published startup event")
		}
	}

	hub := web.NewHub(func() []byte {
		return status.FormatStatusEvent(tracker.Snapshot(), "", "")
	})
	defer hub.Close()

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, hub, d)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("http server error")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		log.Infof("http server listening on %s", cfg.HTTP.Addr)
	}

	log.WithFields(log.Fields{
		"device":    cfg.Device.Name,
		"port":      cfg.Device.Port,
		"demo":      opts.Demo,
		"broker":    cfg.MQTT.Broker,
		"export":    exporter.Backend(),
		"heartbeat": opts.Heartbeat,
	}).Info("started")

	if err := d.Connect(context.Background()); err != nil {
		log.WithError(err).Warn("initial connect")
	}

	var heartbeat <-chan time.Time
	if opts.Heartbeat > 0 {
		t := time.NewTicker(opts.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err := runLoop(svc, publisher, mqttStatus, tracker, hub, heartbeat, time.Now, sigCh)
	svc.Cancel()

	if opts.SaveOnExit != "" {
		saveOnExit(d, opts.SaveOnExit)
	}
	return err
}

func saveOnExit(d *daemon, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := d.Save(ctx, name)
	switch {
	case errors.Is(err, export.ErrNothingToSave):
		log.Info("nothing to save on exit")
	case err != nil:
		log.WithError(err).Errorf("save on exit: %s", export.Message(err))
	default:
		log.Infof("%s (%d frames)", export.SavedMessage(name), n)
	}
}

// eventSource is the part of the sensor service the loop reads from.
type eventSource interface {
	Events() <-chan telemetry.Event
	State() sensor.ConnState
	Stats() sensor.Stats
	RawLog() *telemetry.RawLog
}

func runLoop(src eventSource, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, hub *web.Hub, heartbeat <-chan time.Time, now func() time.Time, sig <-chan os.Signal) error {
	events := src.Events()

	for {
		select {
		case s := <-sig:
			log.Infof("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			publishStatus(src, publisher, mqttStatus, tracker, now(), "SHUTDOWN", signalName)
			return nil

		case ev, ok := <-events:
			if !ok {
				log.Info("sensor event stream closed")
				return nil
			}
			handleEvent(ev, publisher, hub, tracker)
			refresh(src, mqttStatus, tracker)

		case <-heartbeat:
			snap := tracker.Snapshot()
			log.WithFields(log.Fields{
				"connection": snap.Connection,
				"frames":     snap.Counts.Frames,
				"malformed":  snap.Counts.Malformed,
				"unsaved":    snap.RawLogEntries,
			}).Info("heartbeat")
			publishStatus(src, publisher, mqttStatus, tracker, now(), "HEARTBEAT", "")
		}
	}
}

func handleEvent(ev telemetry.Event, publisher mqtt.Publisher, hub *web.Hub, tracker *status.Tracker) {
	switch ev.Type {
	case telemetry.EventReading:
		log.WithFields(log.Fields{
			"channel":   ev.Reading.Channel,
			"mpr":       ev.Reading.MPR,
			"synthetic": ev.Reading.Synthetic,
		}).Debug("reading")
	case telemetry.EventToast:
		log.WithField("message", ev.Message).Info("toast")
	default:
		log.WithField("device", ev.Device).Infof("event: %s", ev.Type)
	}

	if tracker != nil {
		tracker.Apply(ev)
	}
	if publisher != nil {
		if err := publisher.Publish(ev); err != nil {
			log.WithError(err).Warn("publish error")
		}
	}
	if hub != nil {
		hub.Broadcast(ev)
	}
}

func refresh(src eventSource, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker) {
	if tracker == nil {
		return
	}
	tracker.SetConnection(string(src.State()))
	stats := src.Stats()
	tracker.SetFrameStats(stats.Frames, stats.Malformed, src.RawLog().Len())
	if mqttStatus != nil {
		tracker.SetMQTTConnected(mqttStatus.IsConnected())
	}
}

func publishStatus(src eventSource, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, at time.Time, event, reason string) {
	if publisher == nil {
		return
	}
	ev := mqtt.SystemEvent{
		Timestamp: at,
		Event:     event,
		Reason:    reason,
		Retained:  event == "SHUTDOWN",
	}
	if tracker != nil {
		refresh(src, mqttStatus, tracker)
		ev.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), event, reason)
	}
	if err := publisher.PublishSystem(ev); err != nil {
		log.WithError(err).Warnf("failed to publish %s event", event)
	} else {
		log.Debugf("published %s event", event)
	}
}
