// Package cli maps fan operations onto command-line commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"miio-fan/internal/fan"
	"miio-fan/internal/miot"
)

// Fan is the set of operations the commands drive. Both *fan.Device and
// *coordinator.Coordinator satisfy it.
type Fan interface {
	Status(ctx context.Context) (*fan.Status, error)
	TurnOn(ctx context.Context) (miot.Result, error)
	TurnOff(ctx context.Context) (miot.Result, error)
	SetSpeed(ctx context.Context, level int) (miot.Result, error)
	SetOscillation(ctx context.Context, on bool) (miot.Result, error)
	SetBuzzer(ctx context.Context, on bool) (miot.Result, error)
	SetChildLock(ctx context.Context, on bool) (miot.Result, error)
	SetNaturalMode(ctx context.Context, on bool) (miot.Result, error)
	SetPowerOffDelay(ctx context.Context, seconds int) (miot.Result, error)
}

// ArgKind is the type of a positional argument.
type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgBool
)

func (k ArgKind) String() string {
	if k == ArgBool {
		return "bool"
	}
	return "int"
}

// Arg describes one positional argument.
type Arg struct {
	Name string
	Kind ArgKind
}

// Env is what a command runs against.
type Env struct {
	Fan  Fan
	Out  io.Writer
	JSON bool
}

// Command is one entry of the command table.
type Command struct {
	Name  string
	Short string
	Args  []Arg
	// Run receives arguments already converted per Args (int or bool).
	Run func(ctx context.Context, env *Env, args []any) error
}

// Usage returns the cobra Use line, e.g. "delay_off <seconds>".
func (c Command) Usage() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		fmt.Fprintf(&b, " <%s>", a.Name)
	}
	return b.String()
}

// Parse converts raw arguments according to the command's schema.
func (c Command) Parse(raw []string) ([]any, error) {
	if len(raw) != len(c.Args) {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d: %w", c.Name, len(c.Args), len(raw), fan.ErrInvalidArgument)
	}
	out := make([]any, len(raw))
	for i, a := range c.Args {
		switch a.Kind {
		case ArgBool:
			v, err := ParseBool(raw[i])
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", c.Name, a.Name, err)
			}
			out[i] = v
		default:
			v, err := strconv.Atoi(strings.TrimSpace(raw[i]))
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %q is not an integer: %w", c.Name, a.Name, raw[i], fan.ErrInvalidArgument)
			}
			out[i] = v
		}
	}
	return out, nil
}

// ParseBool accepts 1/0, true/false, t/f, yes/no, y/n and on/off, in any case.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean: %w", s, fan.ErrInvalidArgument)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// call prints the confirmation line, then performs the write.
func call(env *Env, msg string, do func() (miot.Result, error)) error {
	fmt.Fprintln(env.Out, msg)
	res, err := do()
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	if env.JSON {
		return json.NewEncoder(env.Out).Encode(res)
	}
	return nil
}

func switchCommand(name, short, subject string, set func(Fan) func(context.Context, bool) (miot.Result, error)) Command {
	return Command{
		Name:  name,
		Short: short,
		Args:  []Arg{{Name: "enabled", Kind: ArgBool}},
		Run: func(ctx context.Context, env *Env, args []any) error {
			on := args[0].(bool)
			return call(env, fmt.Sprintf("Turning %s %s", onOff(on), subject), func() (miot.Result, error) {
				return set(env.Fan)(ctx, on)
			})
		},
	}
}

// Commands is the command table, in help order.
var Commands = []Command{
	{
		Name:  "status",
		Short: "Show the fan state",
		Run: func(ctx context.Context, env *Env, _ []any) error {
			st, err := env.Fan.Status(ctx)
			if err != nil {
				return err
			}
			if env.JSON {
				enc := json.NewEncoder(env.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			_, err = io.WriteString(env.Out, st.Format())
			return err
		},
	},
	{
		Name:  "on",
		Short: "Power on",
		Run: func(ctx context.Context, env *Env, _ []any) error {
			return call(env, "Powering on", func() (miot.Result, error) { return env.Fan.TurnOn(ctx) })
		},
	},
	{
		Name:  "off",
		Short: "Power off",
		Run: func(ctx context.Context, env *Env, _ []any) error {
			return call(env, "Powering off", func() (miot.Result, error) { return env.Fan.TurnOff(ctx) })
		},
	},
	{
		Name:  "set_direct_speed",
		Short: "Set the speed level (1-3)",
		Args:  []Arg{{Name: "speed", Kind: ArgInt}},
		Run: func(ctx context.Context, env *Env, args []any) error {
			speed := args[0].(int)
			return call(env, fmt.Sprintf("Setting speed of the direct mode to %d", speed), func() (miot.Result, error) {
				return env.Fan.SetSpeed(ctx, speed)
			})
		},
	},
	switchCommand("set_oscillate", "Turn oscillation on or off", "oscillation",
		func(f Fan) func(context.Context, bool) (miot.Result, error) { return f.SetOscillation }),
	switchCommand("set_buzzer", "Turn the buzzer on or off", "buzzer",
		func(f Fan) func(context.Context, bool) (miot.Result, error) { return f.SetBuzzer }),
	switchCommand("set_child_lock", "Turn the child lock on or off", "child lock",
		func(f Fan) func(context.Context, bool) (miot.Result, error) { return f.SetChildLock }),
	switchCommand("set_natural_mode", "Turn natural wind on or off", "natural mode",
		func(f Fan) func(context.Context, bool) (miot.Result, error) { return f.SetNaturalMode }),
	{
		Name:  "delay_off",
		Short: "Turn off after the given number of seconds (0 cancels)",
		Args:  []Arg{{Name: "seconds", Kind: ArgInt}},
		Run: func(ctx context.Context, env *Env, args []any) error {
			seconds := args[0].(int)
			return call(env, fmt.Sprintf("Setting delayed turn off to %d seconds", seconds), func() (miot.Result, error) {
				return env.Fan.SetPowerOffDelay(ctx, seconds)
			})
		},
	},
}

// Lookup finds a command by name.
func Lookup(name string) (Command, bool) {
	for _, c := range Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}
