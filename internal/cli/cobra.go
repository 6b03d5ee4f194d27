package cli

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"miio-fan/internal/fan"
)

// Opener connects to the fan for one command. The returned func releases
// the connection.
type Opener func(ctx context.Context) (Fan, func(), error)

// JSONFlag is the persistent flag selecting JSON output.
const JSONFlag = "json"

// DefaultTimeout bounds a single command round trip.
const DefaultTimeout = 15 * time.Second

// negativeNumber matches the flag parser's complaint about a bare negative
// number such as "-1".
var negativeNumber = regexp.MustCompile(`unknown shorthand flag: ['"]\d['"] in (-\d+)$`)

// NewCommand turns a table entry into a cobra command.
func NewCommand(c Command, open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   c.Usage(),
		Short: c.Short,
		Args:  cobra.ExactArgs(len(c.Args)),
		RunE: func(cmd *cobra.Command, raw []string) error {
			args, err := c.Parse(raw)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool(JSONFlag)

			ctx, cancel := context.WithTimeout(cmd.Context(), DefaultTimeout)
			defer cancel()

			f, release, err := open(ctx)
			if err != nil {
				return err
			}
			defer release()

			return c.Run(ctx, &Env{Fan: f, Out: cmd.OutOrStdout(), JSON: asJSON}, args)
		},
	}
	// Integer arguments are never negative; report "-1" as a bad value
	// instead of an unknown flag.
	if name, ok := intArg(c); ok {
		cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
			if m := negativeNumber.FindStringSubmatch(err.Error()); m != nil {
				return fmt.Errorf("%s: %s: %s is negative: %w", c.Name, name, m[1], fan.ErrInvalidArgument)
			}
			return err
		})
	}
	return cmd
}

func intArg(c Command) (string, bool) {
	for _, a := range c.Args {
		if a.Kind == ArgInt {
			return a.Name, true
		}
	}
	return "", false
}

// AddCommands registers the whole table on root together with the --json flag.
func AddCommands(root *cobra.Command, open Opener) {
	root.PersistentFlags().Bool(JSONFlag, false, "print output as JSON")
	for _, c := range Commands {
		root.AddCommand(NewCommand(c, open))
	}
}
