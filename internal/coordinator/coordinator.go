package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"miio-fan/internal/fan"
	"miio-fan/internal/miot"
)

// Config holds coordinator configuration.
type Config struct {
	Name         string
	DID          string
	PollInterval time.Duration
}

// Info describes the managed fan.
type Info struct {
	Name      string    `json:"name"`
	DID       string    `json:"did"`
	Model     string    `json:"model"`
	Available bool      `json:"available"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
}

// Availability is the payload of EventAvailability.
type Availability struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Coordinator owns the fan adapter for a long-running process. Device round
// trips are serialized; results are cached and published on the event bus.
type Coordinator struct {
	device  *fan.Device
	events  *EventBus
	metrics *Metrics
	logger  *slog.Logger
	config  Config

	devMu sync.Mutex // one request in flight
	reads uint64     // status reads started, guarded by devMu

	mu        sync.RWMutex
	applied   uint64 // newest read reflected in last and available
	last      *fan.Status
	lastPoll  time.Time
	available bool
	polled    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator talking to the fan through t. metrics may be nil.
func New(t miot.Transport, events *EventBus, metrics *Metrics, cfg Config, logger *slog.Logger) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		device:  fan.New(t),
		events:  events,
		metrics: metrics,
		logger:  logger.With("component", "coordinator", "did", cfg.DID),
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Mapping returns the attribute table of the fan.
func (c *Coordinator) Mapping() []miot.Property {
	return c.device.Mapping().Properties()
}

// Info returns identity and availability of the fan.
func (c *Coordinator) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		Name:      c.config.Name,
		DID:       c.config.DID,
		Model:     fan.Model,
		Available: c.available,
		LastPoll:  c.lastPoll,
	}
}

// Start polls the fan once and then every PollInterval until Stop. A failed
// first poll is logged, not returned: the fan may come online later.
func (c *Coordinator) Start(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial poll failed", "err", err)
	}
	if c.config.PollInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.pollLoop()
}

// Stop cancels the coordinator context and waits for the poll loop.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Refresh(c.ctx); err != nil && c.ctx.Err() == nil {
				c.logger.Debug("poll failed", "err", err)
			}
		}
	}
}

// LastStatus returns the most recent snapshot, or nil before the first
// successful poll.
func (c *Coordinator) LastStatus() (*fan.Status, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.lastPoll
}

// Status returns the cached snapshot, polling the fan if there is none yet.
func (c *Coordinator) Status(ctx context.Context) (*fan.Status, error) {
	if st, _ := c.LastStatus(); st != nil {
		return st, nil
	}
	return c.Refresh(ctx)
}

// Refresh reads the fan, updates the cache and publishes EventStatus plus
// one EventPropertyUpdate per changed attribute. A read that finishes after
// a newer one has been applied is returned but neither cached nor published.
func (c *Coordinator) Refresh(ctx context.Context) (*fan.Status, error) {
	c.devMu.Lock()
	c.reads++
	seq := c.reads
	start := time.Now()
	st, err := c.device.Status(ctx)
	took := time.Since(start)
	c.devMu.Unlock()

	if err != nil {
		c.metrics.observe("status", "error", took)
		if c.claim(seq) {
			c.setAvailable(false, err)
		}
		return nil, err
	}
	c.metrics.observe("status", "ok", took)
	c.apply(seq, st)
	return st, nil
}

// claim records seq as the newest applied read. It fails for reads older
// than one already applied.
func (c *Coordinator) claim(seq uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.applied {
		return false
	}
	c.applied = seq
	return true
}

func (c *Coordinator) apply(seq uint64, st *fan.Status) {
	now := time.Now()
	c.mu.Lock()
	if seq < c.applied {
		c.mu.Unlock()
		c.logger.Debug("dropping stale snapshot", "read", seq)
		return
	}
	c.applied = seq
	prev := c.last
	c.last = st
	c.lastPoll = now
	c.mu.Unlock()

	c.setAvailable(true, nil)
	c.metrics.recordStatus(st, now)

	var old map[string]any
	if prev != nil {
		old = prev.Raw()
	}
	cur := st.Raw()
	for _, attr := range fan.Attributes {
		name := string(attr)
		if reflect.DeepEqual(old[name], cur[name]) {
			continue
		}
		c.events.Emit(Event{Type: EventPropertyUpdate, Time: now, Data: PropertyUpdate{
			Attribute: name,
			Old:       old[name],
			New:       cur[name],
		}})
	}
	c.events.Emit(Event{Type: EventStatus, Time: now, Data: st})
}

func (c *Coordinator) setAvailable(ok bool, cause error) {
	c.mu.Lock()
	changed := !c.polled || c.available != ok
	c.available = ok
	c.polled = true
	c.mu.Unlock()

	c.metrics.setAvailable(ok)
	if !changed {
		return
	}
	payload := Availability{Available: ok}
	if cause != nil {
		payload.Error = cause.Error()
		c.logger.Warn("fan unavailable", "err", cause)
	} else {
		c.logger.Info("fan available")
	}
	c.events.Emit(Event{Type: EventAvailability, Data: payload})
}

// TurnOn powers the fan on.
func (c *Coordinator) TurnOn(ctx context.Context) (miot.Result, error) {
	return c.command(ctx, "turn_on", nil, func(d *fan.Device) (miot.Result, error) {
		return d.TurnOn(ctx)
	})
}

// TurnOff powers the fan off.
func (c *Coordinator) TurnOff(ctx context.Context) (miot.Result, error) {
	return c.command(ctx, "turn_off", nil, func(d *fan.Device) (miot.Result, error) {
		return d.TurnOff(ctx)
	})
}

// SetPower calls TurnOn or TurnOff.
func (c *Coordinator) SetPower(ctx context.Context, on bool) (miot.Result, error) {
	if on {
		return c.TurnOn(ctx)
	}
	return c.TurnOff(ctx)
}

func (c *Coordinator) SetSpeed(ctx context.Context, level int) (miot.Result, error) {
	return c.command(ctx, "set_speed", level, func(d *fan.Device) (miot.Result, error) {
		return d.SetSpeed(ctx, level)
	})
}

func (c *Coordinator) SetOscillation(ctx context.Context, on bool) (miot.Result, error) {
	return c.command(ctx, "set_oscillation", on, func(d *fan.Device) (miot.Result, error) {
		return d.SetOscillation(ctx, on)
	})
}

func (c *Coordinator) SetBuzzer(ctx context.Context, on bool) (miot.Result, error) {
	return c.command(ctx, "set_buzzer", on, func(d *fan.Device) (miot.Result, error) {
		return d.SetBuzzer(ctx, on)
	})
}

func (c *Coordinator) SetChildLock(ctx context.Context, on bool) (miot.Result, error) {
	return c.command(ctx, "set_child_lock", on, func(d *fan.Device) (miot.Result, error) {
		return d.SetChildLock(ctx, on)
	})
}

func (c *Coordinator) SetNaturalMode(ctx context.Context, on bool) (miot.Result, error) {
	return c.command(ctx, "set_natural_mode", on, func(d *fan.Device) (miot.Result, error) {
		return d.SetNaturalMode(ctx, on)
	})
}

func (c *Coordinator) SetPowerOffDelay(ctx context.Context, seconds int) (miot.Result, error) {
	return c.command(ctx, "delay_off", seconds, func(d *fan.Device) (miot.Result, error) {
		return d.SetPowerOffDelay(ctx, seconds)
	})
}

// command runs one write. The returned error is non-nil when the input was
// rejected, the transport failed, or the device answered with an error code.
// Accepted writes are published as EventCommand and followed by a refresh.
func (c *Coordinator) command(ctx context.Context, op string, value any, fn func(*fan.Device) (miot.Result, error)) (miot.Result, error) {
	c.devMu.Lock()
	start := time.Now()
	ack, err := fn(c.device)
	took := time.Since(start)
	c.devMu.Unlock()

	if errors.Is(err, fan.ErrInvalidArgument) {
		return ack, err
	}
	if err != nil {
		c.metrics.observe(op, "error", took)
		c.logger.Warn("command failed", "op", op, "err", err)
		return ack, err
	}
	if err := ack.Err(); err != nil {
		c.metrics.observe(op, "rejected", took)
		c.logger.Warn("command rejected", "op", op, "code", ack.Code)
		return ack, err
	}
	c.metrics.observe(op, "ok", took)
	c.logger.Info("command", "op", op, "value", value)
	c.events.Emit(Event{Type: EventCommand, Data: CommandInfo{Op: op, Value: value, Code: ack.Code}})

	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("refresh after command", "op", op, "err", err)
	}
	return ack, nil
}
