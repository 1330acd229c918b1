package main

import (
	"errors"
	"fmt"
	"time"

	"shopassist/utils"

	"github.com/spf13/cobra"
)

var errNoArchive = errors.New("archive database is not configured (set DB_HOST or DB_DSN)")

func archiveCmd(rt *runtime, timeout *time.Duration) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "archive <phone_number>",
		Short: "List archived tips for a phone number, most recently settled first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.archive == nil {
				return errNoArchive
			}
			phone, err := utils.NormalizePhone(args[0], rt.phonePrefix, rt.phoneLength)
			if err != nil {
				return err
			}
			ctx, cancel := opContext(cmd, timeout)
			defer cancel()
			recs, err := rt.archive.ListByPhone(ctx, phone, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records")
	return cmd
}

func migrateCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the archive schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.archive == nil {
				return errNoArchive
			}
			if err := rt.archive.Migrate(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "archive schema is up to date")
			return err
		},
	}
}
