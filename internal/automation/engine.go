//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"miio-fan/internal/coordinator"

	lua "github.com/yuin/gopher-lua"
)

const (
	defaultRunTimeout = 5 * time.Second
	commandQueueSize  = 64
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with fan.on.
type luaEventHandler struct {
	eventType string
	attribute string // property_update filter, empty matches any
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one running script. All access to state
// goes through the commands channel.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// capture receives fan.log and system.log lines of one-shot runs.
	capture func(line string)
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]luaEventHandler, len(vm.handlers))
	copy(out, vm.handlers)
	return out
}

// Engine runs enabled scripts and feeds them coordinator events.
type Engine struct {
	coord   *coordinator.Coordinator
	manager *Manager
	logger  *slog.Logger

	runTimeout time.Duration

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine. mgr may be nil when only
// RunLuaCode is used.
func NewEngine(coord *coordinator.Coordinator, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		coord:      coord,
		manager:    mgr,
		logger:     logger.With("component", "automation"),
		runTimeout: defaultRunTimeout,
		vms:        make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)

	if e.manager == nil {
		return
	}
	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.running())
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running returns the ids of the scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script after it was saved. Disabled scripts are
// only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)
	if e.manager == nil {
		return errors.New("no script manager")
	}

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a stored script once, see RunLuaCode.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	if e.manager == nil {
		return &RunResult{Error: "no script manager", Duration: time.Since(start).String()}
	}
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary sandboxed VM. Handlers the code
// registers with fan.on are invoked once with an event built from the last
// known fan state, so the actions behind them actually run. Log output is
// returned in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), e.runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		capture: func(line string) {
			logMu.Lock()
			logs = append(logs, line)
			logMu.Unlock()
		},
	}
	registerFanModule(L, vm, e)
	registerSystemModule(L, vm, e)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = e.describe(ctx, err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	handlers := vm.snapshotHandlers()
	for i, h := range handlers {
		ev := e.syntheticEvent(h)
		e.logger.Debug("invoking handler", "index", i, "event", h.eventType, "attribute", h.attribute)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
			return result(err)
		}
	}

	r := result(nil)
	e.logger.Info("script run complete", "handlers", len(handlers), "logs", len(r.Logs), "duration", r.Duration)
	return r
}

func (e *Engine) describe(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("timeout (%s)", e.runTimeout)
	}
	return err.Error()
}

// syntheticEvent builds the event a handler receives during RunLuaCode.
func (e *Engine) syntheticEvent(h luaEventHandler) coordinator.Event {
	st, at := e.coord.LastStatus()
	ev := coordinator.Event{Type: h.eventType, Time: at}
	switch h.eventType {
	case coordinator.EventPropertyUpdate:
		attr := h.attribute
		if attr == "" {
			attr = "power"
		}
		upd := coordinator.PropertyUpdate{Attribute: attr}
		if st != nil {
			upd.New = st.Raw()[attr]
		}
		ev.Data = upd
	case coordinator.EventAvailability:
		ev.Data = coordinator.Availability{Available: e.coord.Info().Available}
	case coordinator.EventCommand:
		ev.Data = coordinator.CommandInfo{Op: "run"}
	default:
		if st != nil {
			ev.Data = st
		}
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return ev
}

// newSandbox returns a Lua state without filesystem, process or module
// loading access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerFanModule(L, vm, e)
	registerSystemModule(L, vm, e)

	// Top-level code registers handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshotHandlers()))
	return nil
}

// dispatchEvent queues every matching handler on its VM.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make(map[string]*scriptVM, len(e.vms))
	for id, vm := range e.vms {
		vms[id] = vm
	}
	e.mu.Unlock()

	for id, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script queue full, dropping event", "id", id, "event", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	if h.attribute == "" {
		return true
	}
	upd, ok := event.Data.(coordinator.PropertyUpdate)
	return ok && upd.Attribute == h.attribute
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "event", event.Type, "err", err)
	}
}
