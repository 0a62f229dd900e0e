// Copyright 2026 The Poolvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command poolvisor is a client for the poolvisord control API.
//
// The flags are
//
//	-a <address>	- the daemon's address, default http://127.0.0.1:8321
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	status              - summarize the pool and list its workers
//	info <uid>          - show one worker in detail
//	restart <uid>       - restart a worker
//	terminate <uid>     - stop a worker and remove it from the pool
//	log [-f]            - print the daemon log, optionally following it
//	top                 - full screen view of the pool
//
// A uid may be abbreviated to any unique prefix.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/context"

	"github.com/gdamore/poolvisor/rest"
)

const defaultAddr = "http://127.0.0.1:8321"

type cli struct {
	addr   string
	auth   string
	client *rest.Client
}

func (c *cli) connect() error {
	c.client = rest.NewClient(nil, c.addr)
	if c.auth != "" {
		user, pass, err := parseAuth(c.auth)
		if err != nil {
			return err
		}
		c.client.SetAuth(user, pass)
	}
	return nil
}

// resolve expands a uid prefix into the full uid of exactly one worker.
func (c *cli) resolve(ctx context.Context, prefix string) (string, error) {
	items, _, err := c.client.Workers(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, w := range items {
		if w.UID == prefix {
			return prefix, nil
		}
		if strings.HasPrefix(w.UID, prefix) {
			if match != "" {
				return "", fmt.Errorf("%s is ambiguous", prefix)
			}
			match = w.UID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no worker matches %s", prefix)
	}
	return match, nil
}

func printStatus(out io.Writer, p *rest.PoolInfo, items []rest.WorkerInfo) {
	fmt.Fprintf(out, "%d workers  %d alive  %d restarting  %d restarts",
		p.Workers, p.Alive, p.Restarting, p.Restarts)
	if !p.AutoRestart {
		fmt.Fprintf(out, "  (auto restart off)")
	}
	if p.Exhausted {
		fmt.Fprintf(out, "  (exhausted)")
	}
	fmt.Fprintln(out)

	sortWorkers(items)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tPID\tSTATE\tUPTIME\tRESTARTS\tMEMORY")
	for i := range items {
		w := &items[i]
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", shortUID(w.UID), w.Pid,
			workerState(w), formatDuration(time.Since(w.Started)),
			w.Restarts, formatMemory(w.Memory))
	}
	tw.Flush()
}

func printInfo(out io.Writer, w *rest.WorkerInfo) {
	fmt.Fprintf(out, "UID:       %s\n", w.UID)
	fmt.Fprintf(out, "Pid:       %d\n", w.Pid)
	fmt.Fprintf(out, "State:     %s\n", workerState(w))
	fmt.Fprintf(out, "Started:   %s\n", w.Started.Format(time.RFC3339))
	fmt.Fprintf(out, "Uptime:    %s\n", formatDuration(time.Since(w.Started)))
	fmt.Fprintf(out, "Restarts:  %d\n", w.Restarts)
	fmt.Fprintf(out, "Memory:    %s\n", formatMemory(w.Memory))
}

func printLog(out io.Writer, recs []rest.LogRecord) {
	for _, r := range recs {
		fmt.Fprintln(out, strings.TrimRight(r.Text, "\n"))
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "poolvisor",
		Short:         "Control a running poolvisord",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.connect()
		},
	}
	root.PersistentFlags().StringVarP(&c.addr, "addr", "a", defaultAddr, "poolvisord address")
	root.PersistentFlags().StringVarP(&c.auth, "user", "u", "", "user:pass authentication")

	status := &cobra.Command{
		Use:   "status",
		Short: "Summarize the pool and list its workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := c.client.GetPool(ctx)
			if err != nil {
				return err
			}
			items, _, err := c.client.Workers(ctx)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), p, items)
			return nil
		},
	}

	info := &cobra.Command{
		Use:   "info <uid>",
		Short: "Show one worker in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			uid, err := c.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			w, err := c.client.GetWorker(ctx, uid)
			if err != nil {
				return err
			}
			printInfo(cmd.OutOrStdout(), w)
			return nil
		},
	}

	restart := &cobra.Command{
		Use:   "restart <uid>",
		Short: "Restart a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			uid, err := c.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return c.client.RestartWorker(ctx, uid)
		},
	}

	terminate := &cobra.Command{
		Use:   "terminate <uid>",
		Short: "Stop a worker and remove it from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			uid, err := c.resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return c.client.TerminateWorker(ctx, uid)
		},
	}

	var follow bool
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Print the daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			li, err := c.client.GetLog(ctx, 0, 0)
			if err != nil {
				return err
			}
			printLog(out, li.Records)
			for follow {
				last := li.Last
				if li, err = c.client.GetLog(ctx, last, 30*time.Second); err != nil {
					return err
				}
				printLog(out, li.Records)
			}
			return nil
		},
	}
	logCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")

	top := &cobra.Command{
		Use:   "top",
		Short: "Full screen view of the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTop(cmd.Context(), c.client, c.addr)
		},
	}

	root.AddCommand(status, info, restart, terminate, logCmd, top)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "poolvisor: %v\n", err)
		os.Exit(1)
	}
}
