package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sweeney/beacon-harness/internal/advertiser"
	"github.com/sweeney/beacon-harness/internal/bench"
	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/config"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/powerlog"
	"github.com/sweeney/beacon-harness/internal/receiver"
	"github.com/sweeney/beacon-harness/internal/storage"
	"github.com/sweeney/beacon-harness/internal/web"
)

// simStep is the fake clock resolution of a stepped simulation.
const simStep = 5 * time.Millisecond

var roles = []string{advertiser.Role, powerlog.Role, receiver.Role}

// applySimulateArgs folds the command line over the simulate settings.
func applySimulateArgs(cfg *config.Config, a *simulateArgs) {
	if a == nil {
		return
	}
	if a.Dir != "" {
		cfg.Simulate.Dir = a.Dir
	}
	if a.Loss != nil {
		cfg.Simulate.Loss = *a.Loss
	}
	if a.Steps > 0 {
		cfg.Advertiser.StepsPerTrial = a.Steps
	}
	if a.Realtime {
		cfg.Simulate.Realtime = true
	}
}

func runSimulate(ctx context.Context, cfg *config.Config, a *simulateArgs, httpAddr string, log *logrus.Logger, reason func() string) error {
	applySimulateArgs(cfg, a)
	if err := cfg.Validate(); err != nil {
		return err
	}

	var clk clock.Clock = clock.NewFake(time.Now(), simStep)
	if cfg.Simulate.Realtime {
		clk = clock.Real{}
	}

	pubs := make(map[string]mqtt.Publisher)
	for _, role := range roles {
		p, err := newPublisher(cfg, role, log.WithField("role", role))
		if err != nil {
			return err
		}
		pubs[role] = p
		defer p.Close()
	}
	sink := newSink(cfg)
	defer sink.Close()

	b, err := bench.New(cfg, bench.Deps{
		FS:        afero.NewOsFs(),
		Clock:     clk,
		Publisher: func(role string) mqtt.Publisher { return pubs[role] },
		Sink:      sink,
		Log:       log,
		HTTPAddr:  httpAddr,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	for _, role := range roles {
		announce(pubs[role], b, role, mqtt.EventStartup, "", log)
	}
	if httpAddr != "" {
		srv := web.New(httpAddr, webNodes(b)...)
		go srv.ListenAndServe()
		defer srv.Shutdown(context.Background())
		log.Infof("http status server listening on %s", httpAddr)
	}

	log.WithFields(logrus.Fields{
		"dir":      cfg.Simulate.Dir,
		"loss":     cfg.Simulate.Loss,
		"realtime": cfg.Simulate.Realtime,
		"schedule": cfg.ScheduleIDs(),
		"steps":    cfg.Advertiser.StepsPerTrial,
	}).Info("simulation started")

	runErr := b.Run(ctx)
	summarize(b, log)

	stop := reason()
	if stop == "" {
		stop = "DONE"
	}
	for _, role := range roles {
		announce(pubs[role], b, role, mqtt.EventShutdown, stop, log)
	}
	return runErr
}

func announce(p mqtt.Publisher, b *bench.Bench, role, event, reason string, log *logrus.Logger) {
	if err := mqtt.PublishStatus(p, b.Tracker(role), event, reason); err != nil {
		log.WithError(err).WithField("role", role).Warnf("failed to publish %s event", event)
	}
}

// summarize logs one line per kept trial, pairing energy with reception.
func summarize(b *bench.Bench, log *logrus.Logger) {
	received := make(map[int]storage.Entry)
	for _, run := range b.Store(receiver.Role).Manifest().Runs {
		for _, e := range run.Trials {
			received[e.Index] = e
		}
	}
	for _, run := range b.Store(powerlog.Role).Manifest().Runs {
		for _, e := range run.Trials {
			rx := received[e.Index]
			var perAdv float64
			if e.Updates > 0 {
				perAdv = e.EnergyMJ * 1000 / float64(e.Updates)
			}
			log.WithFields(logrus.Fields{
				"index":      e.Index,
				"cond":       e.Condition,
				"energy_mj":  e.EnergyMJ,
				"per_adv_uj": perAdv,
				"rx_rows":    rx.Rows,
				"rx_dropped": rx.RingDrop,
				"power_file": e.File,
				"rx_file":    rx.File,
			}).Info("trial summary")
		}
	}
}

// webNodes exposes every simulated role, the power logger first.
func webNodes(b *bench.Bench) []web.Node {
	nodes := []web.Node{{Role: powerlog.Role, Tracker: b.Tracker(powerlog.Role), Store: b.Store(powerlog.Role)}}
	for _, role := range roles {
		if role != powerlog.Role {
			nodes = append(nodes, web.Node{Role: role, Tracker: b.Tracker(role), Store: b.Store(role)})
		}
	}
	return nodes
}
