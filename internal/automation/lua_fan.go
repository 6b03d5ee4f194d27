//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"time"

	"miio-fan/internal/coordinator"
	"miio-fan/internal/fan"
	"miio-fan/internal/miot"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 5 * time.Second
)

var luaEventTypes = map[string]bool{
	coordinator.EventStatus:         true,
	coordinator.EventPropertyUpdate: true,
	coordinator.EventCommand:        true,
	coordinator.EventAvailability:   true,
	"*":                             true,
}

// registerFanModule installs the `fan` global table.
func registerFanModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	set := func(name string, fn lua.LGFunction) {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	set("on", func(L *lua.LState) int { return fanOn(L, vm) })
	set("status", func(L *lua.LState) int { return fanStatus(L, vm, e) })
	set("info", func(L *lua.LState) int { return fanInfo(L, e) })

	set("turn_on", func(L *lua.LState) int {
		return fanCommand(L, vm, e, "turn_on", e.coord.TurnOn)
	})
	set("turn_off", func(L *lua.LState) int {
		return fanCommand(L, vm, e, "turn_off", e.coord.TurnOff)
	})
	set("set_speed", func(L *lua.LState) int {
		level := L.CheckInt(1)
		return fanCommand(L, vm, e, "set_speed", func(ctx context.Context) (miot.Result, error) {
			return e.coord.SetSpeed(ctx, level)
		})
	})
	set("set_oscillation", boolCommand(vm, e, "set_oscillation", e.coord.SetOscillation))
	set("set_buzzer", boolCommand(vm, e, "set_buzzer", e.coord.SetBuzzer))
	set("set_child_lock", boolCommand(vm, e, "set_child_lock", e.coord.SetChildLock))
	set("set_natural_mode", boolCommand(vm, e, "set_natural_mode", e.coord.SetNaturalMode))
	set("delay_off", func(L *lua.LState) int {
		seconds := L.CheckInt(1)
		return fanCommand(L, vm, e, "delay_off", func(ctx context.Context) (miot.Result, error) {
			return e.coord.SetPowerOffDelay(ctx, seconds)
		})
	})

	set("after", func(L *lua.LState) int { return fanAfter(L, vm, e) })
	set("log", func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "msg", msg)
		if vm.capture != nil {
			vm.capture(msg)
		}
		return 0
	})

	L.SetGlobal("fan", mod)
}

// fan.on(event, [attribute,] callback)
func fanOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if !luaEventTypes[h.eventType] {
		L.ArgError(1, "unknown event: "+h.eventType)
		return 0
	}

	if L.Get(2).Type() == lua.LTString {
		h.attribute = L.CheckString(2)
		h.fn = L.CheckFunction(3)
		if !knownAttribute(h.attribute) {
			L.ArgError(2, "unknown attribute: "+h.attribute)
			return 0
		}
		if h.eventType != coordinator.EventPropertyUpdate {
			L.ArgError(2, "attribute filter needs "+coordinator.EventPropertyUpdate)
			return 0
		}
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

func knownAttribute(name string) bool {
	for _, a := range fan.Attributes {
		if string(a) == name {
			return true
		}
	}
	return false
}

// fanCommand runs one coordinator command and pushes `true` or
// `false, message`.
func fanCommand(L *lua.LState, vm *scriptVM, e *Engine, op string, call func(context.Context) (miot.Result, error)) int {
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()

	if _, err := call(ctx); err != nil {
		e.logger.Warn("script command failed", "op", op, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func boolCommand(vm *scriptVM, e *Engine, op string, call func(context.Context, bool) (miot.Result, error)) lua.LGFunction {
	return func(L *lua.LState) int {
		on := L.CheckBool(1)
		return fanCommand(L, vm, e, op, func(ctx context.Context) (miot.Result, error) {
			return call(ctx, on)
		})
	}
}

// fan.status() returns the raw attribute table, or nil and an error.
func fanStatus(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()

	st, err := e.coord.Status(ctx)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(statusTable(L, st))
	return 1
}

// fan.info() returns name, did, model and availability.
func fanInfo(L *lua.LState, e *Engine) int {
	info := e.coord.Info()
	t := L.NewTable()
	t.RawSetString("name", lua.LString(info.Name))
	t.RawSetString("did", lua.LString(info.DID))
	t.RawSetString("model", lua.LString(info.Model))
	t.RawSetString("available", lua.LBool(info.Available))
	L.Push(t)
	return 1
}

// fan.after(seconds, callback). One-shot runs have no loop to deliver the
// callback, so they report it as skipped.
func fanAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	if vm.capture != nil {
		msg := fmt.Sprintf("fan.after(%v) skipped: one-shot runs do not wait for timers", seconds)
		e.logger.Warn("after callback skipped", "seconds", float64(seconds))
		vm.capture(msg)
		return 0
	}

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

func statusTable(L *lua.LState, st *fan.Status) *lua.LTable {
	t := L.NewTable()
	for k, v := range st.Raw() {
		if v != nil {
			t.RawSetString(k, goToLua(L, v))
		}
	}
	return t
}

// eventTable converts a bus event into the table handlers receive.
func eventTable(L *lua.LState, event coordinator.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	t.RawSetString("time", lua.LNumber(event.Time.Unix()))

	switch data := event.Data.(type) {
	case coordinator.PropertyUpdate:
		t.RawSetString("attribute", lua.LString(data.Attribute))
		t.RawSetString("old", goToLua(L, data.Old))
		t.RawSetString("new", goToLua(L, data.New))
	case *fan.Status:
		t.RawSetString("status", statusTable(L, data))
	case coordinator.CommandInfo:
		t.RawSetString("op", lua.LString(data.Op))
		t.RawSetString("value", goToLua(L, data.Value))
		t.RawSetString("code", lua.LNumber(data.Code))
	case coordinator.Availability:
		t.RawSetString("available", lua.LBool(data.Available))
		if data.Error != "" {
			t.RawSetString("error", lua.LString(data.Error))
		}
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
