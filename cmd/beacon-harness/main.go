// Command beacon-harness runs one node of the BLE advertising bench: the
// advertiser, the power logger or the receiver. The simulate subcommand runs
// all three in one process on in-memory lines and radio.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sweeney/beacon-harness/internal/config"
	"github.com/sweeney/beacon-harness/internal/influx"
	"github.com/sweeney/beacon-harness/internal/logging"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/storage"
	"github.com/sweeney/beacon-harness/internal/web"
)

var version = "<not set>"

type Args struct {
	Advertiser *subcommand   `arg:"subcommand:advertiser" help:"Play the condition schedule on the lines and the radio."`
	PowerLog   *subcommand   `arg:"subcommand:powerlog"   help:"Log supply power per trial."`
	Receiver   *subcommand   `arg:"subcommand:receiver"   help:"Log received beacons per trial."`
	Simulate   *simulateArgs `arg:"subcommand:simulate"   help:"Run all three roles in one process."`
	Config     string        `arg:"-c,--config" help:"YAML configuration file"`
	HTTP       string        `arg:"--http" help:"HTTP status address, overrides the config file"`
	logging.LogArgs
}

type subcommand struct{}

type simulateArgs struct {
	Dir      string   `arg:"--dir" help:"output directory"`
	Loss     *float64 `arg:"--loss" help:"probability an advertisement is lost"`
	Steps    int      `arg:"--steps" help:"steps per trial"`
	Realtime bool     `arg:"--realtime" help:"run on the wall clock instead of stepped time"`
}

func (Args) Version() string {
	return version
}

func (Args) Description() string {
	return "Adaptive BLE advertising bench harness."
}

func procArgs() Args {
	var args Args
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}
	return args
}

func main() {
	if err := runMain(); err != nil {
		logrus.Fatal(err)
	}
}

func runMain() error {
	args := procArgs()

	cfg, err := loadConfig(afero.NewOsFs(), args.Config)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if args.LogLevel != "" {
		level = args.LogLevel
	}
	log := logging.NewLogger(level)
	log.Infof("running version: %s", version)

	httpAddr := cfg.HTTP
	if args.HTTP != "" {
		httpAddr = args.HTTP
	}

	ctx, reason, cancel := withSignals(context.Background())
	defer cancel()

	switch {
	case args.Advertiser != nil:
		return runAdvertiser(ctx, cfg, httpAddr, log, reason)
	case args.PowerLog != nil:
		return runPowerLog(ctx, cfg, httpAddr, log, reason)
	case args.Receiver != nil:
		return runReceiver(ctx, cfg, httpAddr, log, reason)
	case args.Simulate != nil:
		return runSimulate(ctx, cfg, args.Simulate, httpAddr, log, reason)
	}
	return errors.New("no subcommand")
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(fs afero.Fs, path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(fs, path)
}

// withSignals returns a context cancelled by SIGINT or SIGTERM and a func
// naming the signal that did it.
func withSignals(parent context.Context) (context.Context, func() string, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	var name atomic.Value
	name.Store("")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case s := <-sigCh:
			name.Store(signalName(s))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() string { return name.Load().(string) }, cancel
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// node bundles what every role runs next to its node: the event publisher,
// the summary sink, the status tracker and the optional HTTP server.
type node struct {
	role    string
	log     *logrus.Entry
	pub     mqtt.Publisher
	sink    influx.Sink
	tracker *status.Tracker
	srv     *web.Server
}

func newPublisher(cfg *config.Config, role string, log *logrus.Entry) (mqtt.Publisher, error) {
	if cfg.MQTT.Broker == "" {
		return mqtt.Nop{}, nil
	}
	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix, role)
	p, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID+"-"+role, topics, log)
	if err != nil {
		return nil, fmt.Errorf("init mqtt: %w", err)
	}
	log.WithField("broker", cfg.MQTT.Broker).Info("mqtt publisher ready")
	return p, nil
}

func newSink(cfg *config.Config) influx.Sink {
	if cfg.Influx.URL == "" {
		return influx.Nop{}
	}
	return influx.NewClient(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
}

// startNode publishes STARTUP and starts the status server.
func startNode(cfg *config.Config, role string, store *storage.Store, httpAddr string, log *logrus.Logger) (*node, error) {
	var dir string
	if store != nil {
		dir = store.Dir()
	}
	rlog := logging.ForRole(log, role)
	pub, err := newPublisher(cfg, role, rlog)
	if err != nil {
		return nil, err
	}
	n := &node{
		role:    role,
		log:     rlog,
		pub:     pub,
		sink:    newSink(cfg),
		tracker: status.NewTracker(time.Now(), cfg.Status(role, dir, httpAddr)),
	}
	n.announce(mqtt.EventStartup, "")
	n.serve(httpAddr, store)
	return n, nil
}

func (n *node) announce(event, reason string) {
	if err := mqtt.PublishStatus(n.pub, n.tracker, event, reason); err != nil {
		n.log.WithError(err).Warnf("failed to publish %s event", event)
		return
	}
	n.log.Debugf("published %s event", event)
}

func (n *node) serve(addr string, store *storage.Store) {
	if addr == "" {
		return
	}
	n.srv = web.New(addr, web.Node{Role: n.role, Tracker: n.tracker, Store: store})
	go func() {
		if err := n.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.WithError(err).Error("http server error")
		}
	}()
	n.log.Infof("http status server listening on %s", addr)
}

// stop publishes SHUTDOWN and releases everything startNode opened.
func (n *node) stop(reason string) {
	if reason == "" {
		reason = "DONE"
	}
	n.announce(mqtt.EventShutdown, reason)
	if n.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n.srv.Shutdown(ctx)
		cancel()
	}
	if err := n.sink.Close(); err != nil {
		n.log.WithError(err).Warn("closing summary sink")
	}
	if err := n.pub.Close(); err != nil {
		n.log.WithError(err).Warn("closing publisher")
	}
}
