package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/swrr/cache"
)

func newKeyCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "key <name> [args...]",
		Short: "Print the storage key for a resource name and arguments",
		Long: `Derives the key a wrapped computation stores its result under.

Each argument is parsed as JSON when possible (numbers, booleans, null,
arrays, objects) and taken as a plain string otherwise. Use --raw to
treat every argument as a string.`,
		Example: `  swrr key posts my-slug
  swrr key search '{"tag":"go","limit":10}'
  swrr key --raw page 10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := cache.ValidateKey(name); err != nil {
				return fmt.Errorf("invalid name %q: %w", name, err)
			}

			callArgs := make([]any, 0, len(args)-1)
			for _, a := range args[1:] {
				callArgs = append(callArgs, parseArg(a, raw))
			}

			key, err := cache.NewDefaultKeyer().Key(name, callArgs)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "treat every argument as a string")
	return cmd
}

// parseArg decodes s as a single JSON value, falling back to the string itself.
func parseArg(s string, raw bool) any {
	if raw {
		return s
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}
