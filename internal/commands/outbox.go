package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/site-ledger/internal/adapter/handler"
	"github.com/rl1809/site-ledger/internal/adapter/storage"
	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/core/service"
)

type outboxOptions struct {
	*globalOptions
	remote string
}

func newOutboxCommand(global *globalOptions) *cobra.Command {
	opts := &outboxOptions{globalOptions: global}
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair outbox events",
	}
	cmd.PersistentFlags().StringVar(&opts.remote, "remote", "", "gRPC address of a running server; the database is used directly when empty")

	cmd.AddCommand(newOutboxDeadCommand(opts))
	cmd.AddCommand(newOutboxRequeueCommand(opts))
	return cmd
}

func newOutboxDeadCommand(opts *outboxOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List events that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := opts.listDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events to list")
	return cmd
}

func newOutboxRequeueCommand(opts *outboxOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <event-id>",
		Short: "Put a dead event back in line for the consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := opts.requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s), status %s\n", ev.ID, ev.EventType, ev.Status)
			return nil
		},
	}
}

func (o *outboxOptions) listDead(ctx context.Context, limit int) ([]handler.EventView, error) {
	if o.remote != "" {
		client, closeFn, err := dialAdmin(o.remote)
		if err != nil {
			return nil, err
		}
		defer closeFn()
		resp, err := client.ListEvents(ctx, &handler.ListEventsRequest{Status: string(domain.EventDead), Limit: limit})
		if err != nil {
			return nil, err
		}
		return resp.Events, nil
	}

	var out []handler.EventView
	err := o.withAdmin(ctx, func(admin *service.OutboxAdmin) error {
		events, err := admin.List(ctx, domain.EventDead, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			out = append(out, handler.NewEventView(ev))
		}
		return nil
	})
	return out, err
}

func (o *outboxOptions) requeue(ctx context.Context, eventID string) (handler.EventView, error) {
	if o.remote != "" {
		client, closeFn, err := dialAdmin(o.remote)
		if err != nil {
			return handler.EventView{}, err
		}
		defer closeFn()
		ev, err := client.RequeueEvent(ctx, &handler.RequeueEventRequest{EventID: eventID})
		if err != nil {
			return handler.EventView{}, err
		}
		return *ev, nil
	}

	var out handler.EventView
	err := o.withAdmin(ctx, func(admin *service.OutboxAdmin) error {
		ev, err := admin.Requeue(ctx, eventID)
		if err != nil {
			return err
		}
		out = handler.NewEventView(ev)
		return nil
	})
	return out, err
}

func (o *outboxOptions) withAdmin(ctx context.Context, fn func(*service.OutboxAdmin) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.Open(ctx, storage.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(service.NewOutboxAdmin(store.Outbox(), nil, log))
}

func dialAdmin(addr string) (*handler.LedgerAdminClient, func(), error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return handler.NewLedgerAdminClient(conn), func() { conn.Close() }, nil
}

func printEvents(w io.Writer, events []handler.EventView) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no dead events")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tAGGREGATE\tATTEMPTS\tCREATED\tLAST ERROR")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n",
			ev.ID, ev.EventType, ev.AggregateType, ev.AggregateID, ev.Attempts,
			ev.CreatedAt.Format(time.RFC3339), oneLine(ev.LastError, 80))
	}
	tw.Flush()
}

func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return string(r)
}
