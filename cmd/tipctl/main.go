// Command tipctl inspects and drives tips from an operator shell, using the
// same Redis store, gateway and archive as the HTTP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"shopassist/bootstrap"
	"shopassist/config"
	"shopassist/controllers"
	"shopassist/models"

	"github.com/spf13/cobra"
)

// archiveReader is implemented by *ledger.TipLedger.
type archiveReader interface {
	Migrate() error
	ListByPhone(ctx context.Context, phone string, limit int) ([]models.TipRecord, error)
}

// runtime is what the subcommands operate on.
type runtime struct {
	tips        controllers.TipCoordinator
	archive     archiveReader
	phonePrefix string
	phoneLength int
	close       func() error
}

type loader func(ctx context.Context) (*runtime, error)

func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := bootstrap.NewLogger(cfg.Logging)
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		tips:        app.Tips,
		phonePrefix: cfg.Tips.PhonePrefix,
		phoneLength: cfg.Tips.PhoneLength,
		close:       app.Close,
	}
	if app.Ledger != nil {
		rt.archive = app.Ledger
	}
	return rt, nil
}

func main() {
	if err := newRootCmd(loadRuntime).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(load loader) *cobra.Command {
	var timeout time.Duration
	rt := new(runtime)

	root := &cobra.Command{
		Use:           "tipctl",
		Short:         "Inspect and drive M-Pesa tips",
		Version:       bootstrap.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			loaded, err := load(ctx)
			if err != nil {
				return err
			}
			*rt = *loaded
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if rt.close != nil {
				return rt.close()
			}
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for connecting and for each operation")

	root.AddCommand(statusCmd(rt, &timeout))
	root.AddCommand(verifyCmd(rt, &timeout))
	root.AddCommand(historyCmd(rt, &timeout))
	root.AddCommand(initiateCmd(rt, &timeout))
	root.AddCommand(archiveCmd(rt, &timeout))
	root.AddCommand(migrateCmd(rt))
	return root
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
