/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/common"
	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/serve"
	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/queue"
)

const queueStoreFn = "queue.db"

func CommandQueue() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue [...args]",
		Short: "Inspect and manage the delivery queue",
	}

	queueCmd.PersistentFlags().StringVar(&serve.DefaultStatePath, "state-path", serve.DefaultStatePath, "Full path to writable state directory")

	listCmd := &cobra.Command{
		Use:   "list [queue...]",
		Short: "List queued messages",
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, args, list)
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <queue> <id>",
		Short: "Show a queued message",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, args, show)
		},
	}
	showCmd.Flags().Bool("json", false, "Output as JSON")

	requeueCmd := &cobra.Command{
		Use:   "requeue <queue> <id>",
		Short: "Make a deferred or dead message deliverable again",
		Long:  "Make a deferred or dead message deliverable again. Failed and held back recipients are reset, the running service picks the message up on its next start.",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, args, requeue)
		},
	}

	queueCmd.AddCommand(listCmd, showCmd, requeueCmd)

	return queueCmd
}

type queueFunc func(ctx context.Context, cmd *cobra.Command, store queue.Store, args []string) error

func run(cmd *cobra.Command, args []string, f queueFunc) {
	if err := func() error {
		if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
			return err
		}

		statePath, err := filepath.Abs(serve.DefaultStatePath)
		if err != nil {
			return fmt.Errorf("state-path invalid: %w", err)
		}

		logger := logrus.New()
		logger.Out = os.Stderr
		logger.Level = logrus.WarnLevel

		store, err := queue.OpenBoltStore(filepath.Join(statePath, queueStoreFn), logger)
		if err != nil {
			return fmt.Errorf("%w (is kdeliverd running?)", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		return f(ctx, cmd, store, args)
	}(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func list(ctx context.Context, cmd *cobra.Command, store queue.Store, args []string) error {
	ids := queue.All
	if len(args) > 0 {
		ids = nil
		for _, arg := range args {
			id, err := queue.ParseID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
	}

	return writeList(ctx, os.Stdout, store, ids)
}

func writeList(ctx context.Context, out io.Writer, store queue.Store, ids []queue.ID) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tID\tRECEIVED\tFROM\tSENT\tHELD\tFAILED")
	for _, id := range ids {
		messageIDs, err := store.List(ctx, id)
		if err != nil {
			return err
		}
		for _, messageID := range messageIDs {
			mctx, err := store.GetContext(ctx, id, messageID)
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\t-\n", id, messageID)
				continue
			}
			sent, held, failed := summarize(mctx.Rcpts)
			from := mctx.From()
			if from == "" {
				from = "<>"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n", id, messageID, mctx.Received.Format(time.RFC3339), from, sent, held, failed)
		}
	}
	return w.Flush()
}

func summarize(rcpts []*mail.Rcpt) (sent, held, failed int) {
	for _, rcpt := range rcpts {
		switch {
		case rcpt.IsSent():
			sent++
		case rcpt.IsFailed():
			failed++
		case rcpt.IsHeldBack():
			held++
		}
	}
	return
}

func show(ctx context.Context, cmd *cobra.Command, store queue.Store, args []string) error {
	id, err := queue.ParseID(args[0])
	if err != nil {
		return err
	}
	mctx, err := store.GetContext(ctx, id, args[1])
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return writeContext(os.Stdout, mctx, asJSON)
}

func writeContext(w io.Writer, mctx *mail.Context, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(mctx)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(mctx); err != nil {
		return err
	}
	return encoder.Close()
}

func requeue(ctx context.Context, cmd *cobra.Command, store queue.Store, args []string) error {
	id, err := queue.ParseID(args[0])
	if err != nil {
		return err
	}
	if id != queue.Deferred && id != queue.Dead {
		return fmt.Errorf("only deferred or dead messages can be requeued")
	}

	mctx, err := store.GetContext(ctx, id, args[1])
	if err != nil {
		return err
	}
	for _, rcpt := range mctx.Rcpts {
		rcpt.Requeue()
	}

	if err = store.Move(ctx, id, queue.Deliverable, mctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s moved to %s\n", mctx.MessageID(), queue.Deliverable)
	return nil
}
