// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command drtool reads, writes and monitors data router keys.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mangoh/datarouter/internal/ipc"
	"github.com/mangoh/datarouter/internal/store"
)

const requestTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "drtool",
		Short:         "Data router command line tool",
		Long:          `drtool reads, writes and monitors data router keys. Values are persisted in plaintext and not pushed upstream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("addr", "a", "127.0.0.1:7483", "Data router address")

	root.AddCommand(&cobra.Command{
		Use:   "get <key> <b|i|f|s>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := store.ParseTypeChar(args[1])
			if err != nil {
				return usageError{err}
			}
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return getAndPrint(ctx, cmd.OutOrStdout(), c, args[0], t)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "set <key> <b|i|f|s>:<value>",
		Short: "Write a value, timestamped now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseValue(args[1])
			if err != nil {
				return usageError{err}
			}
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return c.Write(ctx, args[0], v, uint32(time.Now().Unix()))
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "monitor <key>",
		Short: "Print the value of a key whenever another session updates it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return monitor(cmd.Context(), cmd.OutOrStdout(), c, args[0])
			})
		},
	})
	return root
}

type usageError struct{ error }

// withClient connects, starts a plaintext persisted session without push
// and runs fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipc.Client) error) error {
	addr, _ := cmd.Flags().GetString("addr")
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	c, err := ipc.Dial(ctx, addr, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.StartSession(ctx, ipc.SessionOptions{App: "drtool", Storage: store.PolicyPersist}); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return fn(ctx, c)
}

// parseValue parses "<type char>:<value>".
func parseValue(s string) (store.Value, error) {
	code, raw, ok := strings.Cut(s, ":")
	if !ok {
		return store.Value{}, fmt.Errorf("value %q is not of the form <type>:<value>", s)
	}
	t, err := store.ParseTypeChar(code)
	if err != nil {
		return store.Value{}, err
	}
	var v store.Value
	switch t {
	case store.TypeBoolean:
		switch raw {
		case "true":
			v = store.Bool(true)
		case "false":
			v = store.Bool(false)
		default:
			return store.Value{}, fmt.Errorf("boolean value must be true or false, got %q", raw)
		}
	case store.TypeInteger:
		i, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return store.Value{}, fmt.Errorf("invalid integer %q", raw)
		}
		v = store.Int(int32(i))
	case store.TypeFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return store.Value{}, fmt.Errorf("invalid float %q", raw)
		}
		v = store.Float(f)
	default:
		v = store.String(raw)
	}
	return v, v.Validate()
}

type output struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp uint32          `json:"timestamp"`
}

// printValue writes one JSON line. Floats keep six decimals.
func printValue(w io.Writer, key string, v store.Value, timestamp uint32) error {
	var raw []byte
	switch v.Type() {
	case store.TypeBoolean:
		b, _ := v.AsBool()
		raw = []byte(strconv.FormatBool(b))
	case store.TypeInteger:
		i, _ := v.AsInt()
		raw = []byte(strconv.FormatInt(int64(i), 10))
	case store.TypeFloat:
		f, _ := v.AsFloat()
		raw = []byte(strconv.FormatFloat(f, 'f', 6, 64))
	default:
		s, _ := v.AsString()
		var err error
		if raw, err = json.Marshal(s); err != nil {
			return err
		}
	}
	line, err := json.Marshal(output{Key: key, Value: raw, Timestamp: timestamp})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", line)
	return err
}

func getAndPrint(ctx context.Context, w io.Writer, c *ipc.Client, key string, t store.Type) error {
	v, ts, err := c.Read(ctx, key, t)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return printValue(w, key, v, ts)
}

// monitor subscribes to key and prints its value on every update until ctx
// is done or the connection closes.
func monitor(ctx context.Context, w io.Writer, c *ipc.Client, key string) error {
	subCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	_, err := c.Subscribe(subCtx, key)
	cancel()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("connection to data router closed")
			}
			t, err := store.ParseTypeChar(ev.Type)
			if err != nil {
				fmt.Fprintf(os.Stderr, "update for %s: %v\n", ev.Key, err)
				continue
			}
			readCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			err = getAndPrint(readCtx, w, c, ev.Key, t)
			cancel()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "drtool: %v\n", err)
		if _, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, cmd.UsageString())
		}
		stop()
		os.Exit(1)
	}
}
