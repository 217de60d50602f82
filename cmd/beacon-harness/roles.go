package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/beacon-harness/internal/advertiser"
	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/config"
	"github.com/sweeney/beacon-harness/internal/gate"
	"github.com/sweeney/beacon-harness/internal/gpio"
	"github.com/sweeney/beacon-harness/internal/powerlog"
	"github.com/sweeney/beacon-harness/internal/radio/bluez"
	"github.com/sweeney/beacon-harness/internal/receiver"
	"github.com/sweeney/beacon-harness/internal/sensor"
	"github.com/sweeney/beacon-harness/internal/storage"
)

func runAdvertiser(ctx context.Context, cfg *config.Config, httpAddr string, log *logrus.Logger, reason func() string) error {
	series, err := cfg.LoadSeries(afero.NewOsFs())
	if err != nil {
		return err
	}

	out, err := gpio.NewPeriphOutput(cfg.Pins)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer out.Close()

	ad, err := bluez.NewAdvertiser(cfg.Radio)
	if err != nil {
		return fmt.Errorf("init radio: %w", err)
	}
	defer ad.Close()

	n, err := startNode(cfg, advertiser.Role, nil, httpAddr, log)
	if err != nil {
		return err
	}
	defer func() { n.stop(reason()) }()

	adv, err := advertiser.New(cfg.AdvertiserNode(), advertiser.Deps{
		Clock:     clock.Real{},
		Output:    out,
		Radio:     ad,
		Series:    series,
		Publisher: n.pub,
		Tracker:   n.tracker,
		Log:       n.log,
	})
	if err != nil {
		return err
	}
	n.log.WithFields(logrus.Fields{
		"schedule": cfg.ScheduleIDs(),
		"repeat":   cfg.Advertiser.Repeat,
		"step":     cfg.Advertiser.Step,
		"series":   len(series),
	}).Info("started")
	return adv.Run(ctx)
}

func openSampler(cfg config.PowerLogConfig) (sensor.Sampler, error) {
	switch cfg.Source {
	case config.SourceSerial:
		return sensor.NewSerialSampler(cfg.Serial)
	default:
		return sensor.NewINA219(cfg.INA219)
	}
}

func runPowerLog(ctx context.Context, cfg *config.Config, httpAddr string, log *logrus.Logger, reason func() string) error {
	pc := cfg.PowerLog
	store, err := storage.Open(afero.NewOsFs(), pc.Dir, powerlog.Role, time.Now())
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	sampler, err := openSampler(pc)
	if err != nil {
		return fmt.Errorf("init sensor: %w", err)
	}
	defer sampler.Close()

	w, err := gpio.NewCdevWatcher(cfg.Pins)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer w.Close()

	n, err := startNode(cfg, powerlog.Role, store, httpAddr, log)
	if err != nil {
		return err
	}
	defer func() { n.stop(reason()) }()

	node, err := powerlog.New(cfg.PowerLogNode(), powerlog.Deps{
		Store:     store,
		Sampler:   sampler,
		Publisher: n.pub,
		Sink:      n.sink,
		Tracker:   n.tracker,
		Log:       n.log,
		EdgeDrops: w.Dropped,
	}, time.Now())
	if err != nil {
		return err
	}
	defer node.Close()

	n.log.WithFields(logrus.Fields{
		"dir":    pc.Dir,
		"source": pc.Source,
		"sample": pc.SampleInterval,
		"run_id": store.RunID(),
	}).Info("started")

	sample := time.NewTicker(pc.SampleInterval)
	defer sample.Stop()
	poll := time.NewTicker(pc.Poll)
	defer poll.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Sample(gctx, sample.C, time.Now)
	})
	g.Go(func() error {
		return gate.Loop(gctx, node, w.Edges(), poll.C, time.Now, n.log)
	})
	return g.Wait()
}

func runReceiver(ctx context.Context, cfg *config.Config, httpAddr string, log *logrus.Logger, reason func() string) error {
	rc := cfg.Receiver
	store, err := storage.Open(afero.NewOsFs(), rc.Dir, receiver.Role, time.Now())
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	scanner, err := bluez.NewScanner(cfg.Radio)
	if err != nil {
		return fmt.Errorf("init radio: %w", err)
	}
	defer scanner.Close()

	w, err := gpio.NewCdevWatcher(cfg.Pins)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer w.Close()

	n, err := startNode(cfg, receiver.Role, store, httpAddr, log)
	if err != nil {
		return err
	}
	defer func() { n.stop(reason()) }()

	node, err := receiver.New(cfg.ReceiverNode(), receiver.Deps{
		Store:     store,
		Publisher: n.pub,
		Sink:      n.sink,
		Tracker:   n.tracker,
		Log:       n.log,
		EdgeDrops: w.Dropped,
	}, time.Now())
	if err != nil {
		return err
	}
	defer node.Close()

	n.log.WithFields(logrus.Fields{
		"dir":     rc.Dir,
		"adapter": cfg.Radio.Adapter,
		"run_id":  store.RunID(),
	}).Info("started")

	poll := time.NewTicker(rc.Poll)
	defer poll.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return node.Scan(gctx, scanner)
	})
	g.Go(func() error {
		return gate.Loop(gctx, node, w.Edges(), poll.C, time.Now, n.log)
	})
	return g.Wait()
}
