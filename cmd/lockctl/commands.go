// Copyright 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"text/tabwriter"

	lockctl "github.com/ZaparooProject/go-lockctl"
	"github.com/ZaparooProject/go-lockctl/detection"
	"github.com/ZaparooProject/go-lockctl/mapping"
	"github.com/spf13/cobra"
)

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "lockctl",
		Short: "Control a serial lock board",
		Long: `lockctl sends commands to a daisy-chained lock-control board over a
serial port and reports lock states. Commands are serialised: each waits for
the board's reply or its timeout before the next is sent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./lockctl.yaml)")
	pf.String("device", "", "serial port (auto-detect if empty)")
	pf.Int("baud", 9600, "serial baud rate")
	pf.Int("board", 0, "board address (0-31)")
	pf.BoolVar(&a.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&a.simulate, "simulate", false, "use a simulated board instead of a serial port")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")

	root.AddCommand(
		channelCmd(a, "open", "Open one lock", func(ctx context.Context, ch int) (string, error) {
			state, err := a.board.OpenLock(ctx, ch)
			return state.String(), err
		}),
		openMultiCmd(a),
		boardCmd(a, "open-all", "Open every lock", func(ctx context.Context) error {
			if err := a.board.OpenAll(ctx); err != nil {
				return err
			}
			a.printf("all locks opened\n")
			return nil
		}),
		channelCmd(a, "flash", "Flash a channel's indicator", func(ctx context.Context, ch int) (string, error) {
			return "flashed", a.board.FlashChannel(ctx, ch)
		}),
		channelCmd(a, "keep-open", "Hold a lock open until closed", func(ctx context.Context, ch int) (string, error) {
			return "held open", a.board.KeepOpen(ctx, ch)
		}),
		channelCmd(a, "close", "Release a held lock", func(ctx context.Context, ch int) (string, error) {
			return "closed", a.board.CloseChannel(ctx, ch)
		}),
		channelCmd(a, "query", "Report one lock's state", func(ctx context.Context, ch int) (string, error) {
			state, err := a.board.LockStatus(ctx, ch)
			return state.String(), err
		}),
		boardCmd(a, "query-all", "Report every lock's state", func(ctx context.Context) error {
			states, err := a.board.AllLockStatus(ctx)
			if err != nil {
				return err
			}
			return printStates(a.stdout, states)
		}),
		detectCmd(a),
		boardCmd(a, "monitor", "Watch lock states until interrupted", func(ctx context.Context) error {
			a.engine.AddPushHandler(a.monitor.HandlePush)
			if err := a.monitor.Start(ctx); err != nil {
				return err
			}
			a.printf("monitoring board %d, press Ctrl+C to stop\n", a.board.Address())
			<-ctx.Done()
			_ = a.monitor.Stop(context.Background())
			return ctx.Err()
		}),
		mapCmd(a),
		commandsCmd(a),
		versionCmd(a),
	)
	return root
}

// boardCmd wraps fn with connecting to the board and shutting down after.
func boardCmd(a *app, use, short string, fn func(ctx context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(cmd.Context(), fn)
		},
	}
}

// channelCmd is boardCmd for commands taking a single channel argument.
func channelCmd(a *app, use, short string, fn func(ctx context.Context, ch int) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <channel>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := parseChannel(args[0])
			if err != nil {
				return err
			}
			return a.withBoard(cmd.Context(), func(ctx context.Context) error {
				result, err := fn(ctx, ch)
				if err != nil {
					return err
				}
				a.printf("channel %d: %s\n", ch, result)
				return nil
			})
		},
	}
}

func (a *app) withBoard(ctx context.Context, fn func(ctx context.Context) error) error {
	defer a.close()
	if err := a.open(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("channel %q: not a number", s)
	}
	if ch < lockctl.MinChannel || ch > lockctl.MaxChannel {
		return 0, fmt.Errorf("channel %d: %w", ch, lockctl.ErrInvalidChannel)
	}
	return ch, nil
}

func openMultiCmd(a *app) *cobra.Command {
	var sequential bool
	cmd := &cobra.Command{
		Use:   "open-multi <channel>...",
		Short: "Open several locks in one command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channels := make([]int, 0, len(args))
			for _, arg := range args {
				ch, err := parseChannel(arg)
				if err != nil {
					return err
				}
				channels = append(channels, ch)
			}
			mode := lockctl.OpenSimultaneous
			if sequential {
				mode = lockctl.OpenSequential
			}
			return a.withBoard(cmd.Context(), func(ctx context.Context) error {
				if err := a.board.OpenLocks(ctx, mode, channels...); err != nil {
					return err
				}
				a.printf("opened channels %v (%s)\n", channels, mode)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sequential, "sequential", false, "open one after another instead of all at once")
	return cmd
}

func detectCmd(a *app) *cobra.Command {
	var passive bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find serial ports with a board attached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := a.detectOptions(false)
			if passive {
				opts.Mode = detection.Passive
			}
			devices, err := detection.Detect(cmd.Context(), opts)
			if err != nil {
				return err
			}
			for _, d := range devices {
				line := d.String()
				if name := detection.BridgeName(d.VIDPID); name != "" {
					line += " " + name
				}
				if d.Channels > 0 {
					line += fmt.Sprintf(", %d channels", d.Channels)
				}
				a.printf("%s\n", line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&passive, "passive", false, "list candidate ports without probing them")
	return cmd
}

func mapCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Learn which channel drives which locker door",
		Long: `map opens every connected lock and then waits for the doors to be closed
in locker order. The first door closed becomes lock 1, the next lock 2, and so
on until every connected channel is mapped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withBoard(cmd.Context(), func(ctx context.Context) error {
				res, err := mapping.Run(ctx, a.board, a.engine,
					mapping.WithLogger(a.logger.Named("mapping")),
					mapping.WithCallbacks(mapping.Callbacks{
						OnConnected: func(total int, connected []int) {
							a.printf("%d of %d channels have a lock: %v\n", len(connected), total, connected)
							if len(connected) > 0 {
								a.printf("all locks will open; close the doors in locker order\n")
							}
						},
						OnLockClosed: func(ch, lock int) {
							a.printf("lock %d -> channel %d\n", lock, ch)
						},
					}))
				if err != nil {
					return err
				}
				a.printf("mapping complete: %d locks\n", len(res.Mapping))
				if out != "" {
					if err := res.Save(out); err != nil {
						return err
					}
					a.printf("saved to %s\n", out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "write the mapping to this YAML file")
	return cmd
}

func versionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// no config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			a.printf("lockctl %s (commit %s, built %s, %s %s/%s)\n",
				version, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func commandsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:               "commands",
		Short:             "List the command codes the board understands",
		Args:              cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(*cobra.Command, []string) error {
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "CODE\tCOMMAND\tTIMEOUT")
			for _, d := range lockctl.Descriptors() {
				timeout := d.BaseTimeout.String()
				if d.PerChannel {
					timeout += " per channel"
				}
				_, _ = fmt.Fprintf(tw, "0x%02X\t%s\t%s\n", byte(d.Code), d.Label, timeout)
			}
			return tw.Flush()
		},
	}
}

func printStates(w io.Writer, states []lockctl.ChannelState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "CHANNEL\tSTATE")
	for _, s := range states {
		_, _ = fmt.Fprintf(tw, "%d\t%s\n", s.Channel, s.State)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write states: %w", err)
	}
	return nil
}
