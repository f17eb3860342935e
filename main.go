package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"rocket-groundstation/common"
	"rocket-groundstation/config"
	"rocket-groundstation/csvlog"
	"rocket-groundstation/hub"
	"rocket-groundstation/logging"
	"rocket-groundstation/metrics"
	"rocket-groundstation/mqtt"
	"rocket-groundstation/serial"
	"rocket-groundstation/session"
)

const appName = "rocket-groundstation"

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, flags, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, os.Stdout, appName)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if flags.ListPorts {
		return printPorts(os.Stdout, serial.ListPorts)
	}
	if flags.File != "" {
		logger.Info("config loaded", "file", flags.File)
	}

	opener, err := serial.NewOpener(cfg.Serial.Driver)
	if err != nil {
		return err
	}

	m := metrics.New()
	viewers := hub.New(logger, m)

	var sess *session.Session
	var mirror *mqtt.Client
	deps := session.Deps{
		Opener:  opener,
		Lister:  serial.ListPorts,
		Sinks:   newSinkFactory(cfg, viewers, m, logger),
		Viewers: viewers,
		Stats:   m,
		Logger:  logger,
	}
	if cfg.MQTT.Enabled {
		mirror = mqtt.NewClient(cfg.MQTT, mqtt.CommanderFunc(func(r common.Replier, text string, raw bool) {
			sess.SendCommand(r, text, raw)
		}), logger)
		deps.Mirror = mirror
	}

	sess = session.New(session.Config{
		Revision:     cfg.Revision(),
		DefaultBaud:  cfg.Serial.DefaultBaud,
		WriteTimeout: cfg.Serial.WriteTimeout,
		MaxLine:      cfg.Serial.MaxLine,
		HistorySize:  cfg.History.Size,
	}, deps)

	sessCtx, stopSession := context.WithCancel(context.Background())
	defer stopSession()
	sessDone := make(chan struct{})
	go func() {
		defer close(sessDone)
		sess.Run(sessCtx)
	}()

	if mirror != nil {
		if err := mirror.Start(); err != nil {
			logger.Error("mqtt mirror unavailable", "error", err)
		}
		defer mirror.Stop()
	}

	ws := hub.NewServer(cfg.Hub, sess, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newMux(cfg.Server, ws, sess, viewers, m.Handler(), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr, "revision", cfg.Revision().String())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	// HTTP, затем сессия с финальным сбросом CSV, затем MQTT (defer)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http shutdown failed", "error", shutdownErr)
	}
	ws.Close()

	stopSession()
	<-sessDone
	logger.Info("ground station stopped")
	return err
}

func newSinkFactory(cfg config.Config, viewers hub.Broadcaster, m *metrics.Metrics, logger *slog.Logger) session.SinkFactory {
	return func(started time.Time) (session.Sink, error) {
		file, err := csvlog.CreateFile(cfg.CSV.Dir, started, cfg.Revision())
		if err != nil {
			return nil, err
		}
		sink := csvlog.NewSink(csvlog.Config{
			BatchSize:     cfg.CSV.BatchSize,
			FlushInterval: cfg.CSV.FlushInterval,
			MinDelay:      cfg.CSV.MinDelay,
		}, file, csvlog.Options{
			Logger: logger,
			OnStatus: func(st common.BufferStatus) {
				m.CSVBuffer(st)
				viewers.Publish(common.EventCSVBufferStatus, st)
			},
			OnFlush: m.CSVFlushed,
		})
		logger.Info("csv logging started", "file", file.Path())
		return sink, nil
	}
}

func printPorts(w io.Writer, list serial.Lister) error {
	ports, err := list()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tPRODUCT\tSERIAL\tVID:PID")
	for _, p := range ports {
		id := ""
		if p.IsUSB {
			id = p.VendorID + ":" + p.ProductID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Path, p.Product, p.SerialNumber, id)
	}
	return tw.Flush()
}
