// Package bench runs the three roles in one process. The advertiser drives
// an in-memory pair of lines and an in-memory radio medium; the power logger
// and the receiver watch them exactly as they would the hardware.
//
// With a clock.Fake everything is stepped from the advertiser's sleeps, so a
// long schedule runs in a fraction of its duration and is deterministic. Any
// other clock runs the roles on their own goroutines in real time.
package bench

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/beacon-harness/internal/advertiser"
	"github.com/sweeney/beacon-harness/internal/clock"
	"github.com/sweeney/beacon-harness/internal/config"
	"github.com/sweeney/beacon-harness/internal/gate"
	"github.com/sweeney/beacon-harness/internal/gpio"
	"github.com/sweeney/beacon-harness/internal/influx"
	"github.com/sweeney/beacon-harness/internal/logging"
	"github.com/sweeney/beacon-harness/internal/mqtt"
	"github.com/sweeney/beacon-harness/internal/powerlog"
	"github.com/sweeney/beacon-harness/internal/protocol"
	"github.com/sweeney/beacon-harness/internal/radio"
	"github.com/sweeney/beacon-harness/internal/receiver"
	"github.com/sweeney/beacon-harness/internal/sensor"
	"github.com/sweeney/beacon-harness/internal/signal"
	"github.com/sweeney/beacon-harness/internal/status"
	"github.com/sweeney/beacon-harness/internal/storage"
)

// Address is the simulated advertiser's BLE address.
const Address = "DC:A6:32:00:00:01"

// airTick is how often the medium is advanced in real time.
const airTick = 5 * time.Millisecond

var ErrDeps = errors.New("bench: missing dependency")

// Deps are the bench's collaborators. FS and Clock are required.
type Deps struct {
	FS     afero.Fs
	Clock  clock.Clock
	Series []*signal.Series
	// Sampler feeds the power logger; nil uses a Load on the radio.
	Sampler sensor.Sampler
	// Publisher returns the publisher for a role; nil publishes nothing.
	Publisher func(role string) mqtt.Publisher
	Sink      influx.Sink
	Log       *logrus.Logger
	// HTTPAddr is shown on the status pages.
	HTTPAddr string
}

// Bench is one wired simulation.
type Bench struct {
	cfg  *config.Config
	deps Deps
	fake *clock.Fake

	bus *gpio.Bus
	air *radio.Air
	ad  *radio.SimAdvertiser

	adv   *advertiser.Node
	power *powerlog.Node
	rx    *receiver.Node

	stores   map[string]*storage.Store
	trackers map[string]*status.Tracker
	powerW   *gpio.BusWatcher
	rxW      *gpio.BusWatcher

	nextSample, nextPowerPoll, nextRxPoll time.Time

	mu   sync.Mutex
	errs []error
}

// New wires the roles. Output goes under cfg.Simulate.Dir, one directory per
// receiving role.
func New(cfg *config.Config, deps Deps) (*Bench, error) {
	if deps.FS == nil || deps.Clock == nil {
		return nil, ErrDeps
	}
	if deps.Log == nil {
		deps.Log = logging.Discard().Logger
	}
	if deps.Publisher == nil {
		deps.Publisher = func(string) mqtt.Publisher { return mqtt.Nop{} }
	}
	if deps.Sink == nil {
		deps.Sink = influx.Nop{}
	}
	if len(deps.Series) == 0 {
		series, err := cfg.LoadSeries(deps.FS)
		if err != nil {
			return nil, err
		}
		deps.Series = series
	}

	start := deps.Clock.Now()
	b := &Bench{
		cfg:      cfg,
		deps:     deps,
		bus:      gpio.NewBus(deps.Clock.Now),
		air:      radio.NewAir(cfg.Simulate.Loss, cfg.Simulate.Seed),
		stores:   make(map[string]*storage.Store),
		trackers: make(map[string]*status.Tracker),
	}
	b.ad = b.air.NewAdvertiser(Address, deps.Clock.Now)
	if deps.Sampler == nil {
		deps.Sampler = NewLoad(b.ad, cfg.Simulate.Seed)
		b.deps.Sampler = deps.Sampler
	}

	for _, role := range []string{advertiser.Role, powerlog.Role, receiver.Role} {
		dir := ""
		if role != advertiser.Role {
			dir = path.Join(cfg.Simulate.Dir, role)
			st, err := storage.Open(deps.FS, dir, role, start)
			if err != nil {
				return nil, err
			}
			b.stores[role] = st
		}
		b.trackers[role] = status.NewTracker(start, cfg.Status(role, dir, deps.HTTPAddr))
	}

	var err error
	b.adv, err = advertiser.New(cfg.AdvertiserNode(), advertiser.Deps{
		Clock:     deps.Clock,
		Output:    b.bus,
		Radio:     b.ad,
		Series:    deps.Series,
		Publisher: deps.Publisher(advertiser.Role),
		Tracker:   b.trackers[advertiser.Role],
		Log:       logging.ForRole(deps.Log, advertiser.Role),
	})
	if err != nil {
		return nil, err
	}

	var powerDrops, rxDrops func() uint64
	b.fake, _ = deps.Clock.(*clock.Fake)
	if b.fake == nil {
		b.powerW = b.bus.Watch(gpio.EdgeBuffer)
		b.rxW = b.bus.Watch(gpio.EdgeBuffer)
		powerDrops, rxDrops = b.powerW.Dropped, b.rxW.Dropped
	}

	b.power, err = powerlog.New(cfg.PowerLogNode(), powerlog.Deps{
		Store:     b.stores[powerlog.Role],
		Sampler:   deps.Sampler,
		Publisher: deps.Publisher(powerlog.Role),
		Sink:      deps.Sink,
		Tracker:   b.trackers[powerlog.Role],
		Log:       logging.ForRole(deps.Log, powerlog.Role),
		EdgeDrops: powerDrops,
	}, start)
	if err != nil {
		return nil, err
	}
	b.rx, err = receiver.New(cfg.ReceiverNode(), receiver.Deps{
		Store:     b.stores[receiver.Role],
		Publisher: deps.Publisher(receiver.Role),
		Sink:      deps.Sink,
		Tracker:   b.trackers[receiver.Role],
		Log:       logging.ForRole(deps.Log, receiver.Role),
		EdgeDrops: rxDrops,
	}, start)
	if err != nil {
		return nil, err
	}

	b.air.Listen(b.rx.Observe)
	if b.fake != nil {
		b.nextSample = start.Add(cfg.PowerLog.SampleInterval)
		b.nextPowerPoll = start.Add(cfg.PowerLog.Poll)
		b.nextRxPoll = start.Add(cfg.Receiver.Poll)
		b.bus.Listen(func(e protocol.Edge) {
			b.fail(b.power.HandleEdge(e))
			b.fail(b.rx.HandleEdge(e))
		})
		b.fake.OnAdvance(b.step)
	}
	return b, nil
}

// step runs every producer and consumer that is due at now. Hooks run in
// the order the hardware would see them: radio, sample, then polls.
func (b *Bench) step(now time.Time) {
	b.air.Advance(now)
	if due(&b.nextSample, now, b.cfg.PowerLog.SampleInterval) {
		b.fail(b.power.SampleAt(now))
	}
	if due(&b.nextPowerPoll, now, b.cfg.PowerLog.Poll) {
		b.fail(b.power.Poll(now))
	}
	if due(&b.nextRxPoll, now, b.cfg.Receiver.Poll) {
		b.fail(b.rx.Poll(now))
	}
}

func due(next *time.Time, now time.Time, every time.Duration) bool {
	if now.Before(*next) {
		return false
	}
	for !now.Before(*next) {
		*next = next.Add(every)
	}
	return true
}

func (b *Bench) fail(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, err)
}

// Err returns the errors the nodes reported while being stepped.
func (b *Bench) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}

// Run plays the whole schedule and waits long enough for both receiving
// nodes to close the last trial.
func (b *Bench) Run(ctx context.Context) error {
	if b.fake != nil {
		err := b.adv.Run(ctx)
		b.Settle()
		return errors.Join(err, b.Err())
	}
	return b.runRealtime(ctx)
}

// Settle advances a fake clock past the debounce and the slowest poll.
func (b *Bench) Settle() {
	if b.fake == nil {
		return
	}
	b.fake.Advance(b.fake.Now().Add(b.settle()))
}

func (b *Bench) settle() time.Duration {
	poll := b.cfg.PowerLog.Poll
	if b.cfg.Receiver.Poll > poll {
		poll = b.cfg.Receiver.Poll
	}
	return b.cfg.Timing.Debounce + 4*poll
}

func (b *Bench) runRealtime(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	sample := time.NewTicker(b.cfg.PowerLog.SampleInterval)
	defer sample.Stop()
	powerPoll := time.NewTicker(b.cfg.PowerLog.Poll)
	defer powerPoll.Stop()
	rxPoll := time.NewTicker(b.cfg.Receiver.Poll)
	defer rxPoll.Stop()

	g.Go(func() error {
		b.air.Run(gctx, airTick)
		return nil
	})
	g.Go(func() error {
		return b.power.Sample(gctx, sample.C, time.Now)
	})
	g.Go(func() error {
		return gate.Loop(gctx, b.power, b.powerW.Edges(), powerPoll.C, time.Now, logging.ForRole(b.deps.Log, powerlog.Role))
	})
	g.Go(func() error {
		return gate.Loop(gctx, b.rx, b.rxW.Edges(), rxPoll.C, time.Now, logging.ForRole(b.deps.Log, receiver.Role))
	})
	g.Go(func() error {
		defer cancel()
		if err := b.adv.Run(gctx); err != nil {
			return err
		}
		b.deps.Clock.SleepUntil(gctx, b.deps.Clock.Now().Add(b.settle()))
		return nil
	})
	return g.Wait()
}

// Close discards trials still open and releases the simulated devices.
func (b *Bench) Close() error {
	return errors.Join(
		b.power.Close(),
		b.rx.Close(),
		b.deps.Sampler.Close(),
		b.ad.Close(),
		b.bus.Close(),
	)
}

// Advertiser returns the advertiser node.
func (b *Bench) Advertiser() *advertiser.Node { return b.adv }

// Bus returns the simulated lines.
func (b *Bench) Bus() *gpio.Bus { return b.bus }

// Air returns the simulated medium.
func (b *Bench) Air() *radio.Air { return b.air }

// Store returns the storage of a receiving role.
func (b *Bench) Store(role string) *storage.Store { return b.stores[role] }

// Tracker returns the status tracker of a role.
func (b *Bench) Tracker(role string) *status.Tracker { return b.trackers[role] }

// PowerLog returns the power logger node.
func (b *Bench) PowerLog() *powerlog.Node { return b.power }

// Receiver returns the receiver node.
func (b *Bench) Receiver() *receiver.Node { return b.rx }
