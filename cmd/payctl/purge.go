package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/siretech/backoffice-payments/internal/repository"
)

func purgeIdempotencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-idempotency",
		Short: "Delete expired idempotency cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := databaseURL(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := repository.Connect(ctx, dsn, repository.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, repository.NoRetry)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := repository.NewIdempotencyRepository(db).DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired entries\n", n)
			return nil
		},
	}
	cmd.Flags().String("database-url", "", "Postgres DSN (defaults to DATABASE_URL)")
	return cmd
}
