package main

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"snag-tracker/internal/app"
	"snag-tracker/internal/config"
	"snag-tracker/internal/ledger"
	"snag-tracker/internal/models"
	"snag-tracker/internal/snag"
)

func newLedgerCmd(load func() (config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and reconcile snags whose mirror row did not land",
	}
	cmd.AddCommand(newLedgerListCmd(load), newLedgerDropCmd(load), newLedgerResyncCmd(load))
	return cmd
}

func openLedger(load func() (config.Config, error)) (*ledger.Ledger, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisAddr == "" {
		return nil, nil, errors.New("REDIS_ADDR is not set")
	}
	client := ledger.NewRedisClient(cfg)
	return ledger.New(client, cfg.LedgerKey), func() { _ = client.Close() }, nil
}

func newLedgerListCmd(load func() (config.Config, error)) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, closeFn, err := openLedger(load)
			if err != nil {
				return err
			}
			defer closeFn()
			entries, err := l.Peek(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []ledger.Entry{}
			}
			return writeJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "Maximum entries to list (0 for all)")
	return cmd
}

func newLedgerDropCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <snag-id>...",
		Short: "Remove entries after confirming the rows are in the mirror",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeFn, err := openLedger(load)
			if err != nil {
				return err
			}
			defer closeFn()
			for _, id := range args {
				if err := l.Remove(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", id)
			}
			return nil
		},
	}
}

func newLedgerResyncCmd(load func() (config.Config, error)) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "resync [snag-id...]",
		Short: "Append the current row of each snag to the mirror again",
		Long: "Resync the given snags, or every ledger entry when none are given.\n" +
			"An unresolved append may already have landed; resyncing it can leave two rows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log := cfg.Logger()
			a, err := app.Build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			var pending entrySource
			if a.Ledger != nil {
				pending = a.Ledger
			}
			results, err := resync(cmd.Context(), a.Service, pending, snag.Actor{ID: operator, Name: operator, Role: snag.RoleAdmin}, args)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "snagctl", "Name recorded as the actor")
	return cmd
}

type resyncer interface {
	ResyncMirror(ctx context.Context, actor snag.Actor, id string) (models.Snag, error)
}

type entrySource interface {
	Peek(ctx context.Context, count int64) ([]ledger.Entry, error)
}

type resyncResult struct {
	SnagID     string `json:"snag_id"`
	Identifier string `json:"identifier,omitempty"`
	SyncStatus string `json:"sync_status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// resync replays the mirror append for ids, or for every ledger entry when ids
// is empty. A failure on one snag does not stop the others.
func resync(ctx context.Context, svc resyncer, pending entrySource, actor snag.Actor, ids []string) ([]resyncResult, error) {
	if len(ids) == 0 {
		if pending == nil {
			return nil, errors.New("no snag ids given and REDIS_ADDR is not set")
		}
		entries, err := pending.Peek(ctx, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ids = append(ids, e.SnagID)
		}
	}
	results := make([]resyncResult, 0, len(ids))
	for _, id := range ids {
		sn, err := svc.ResyncMirror(ctx, actor, id)
		r := resyncResult{SnagID: id, Identifier: sn.Identifier, SyncStatus: sn.SyncStatus}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}
