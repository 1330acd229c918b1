package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopassist/services"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type outcomeView struct {
	Success       bool        `json:"success"`
	Status        string      `json:"status"`
	Message       string      `json:"message"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Transaction   interface{} `json:"transaction,omitempty"`
}

// report prints o and turns outcomes the operator must act on into errors so
// the exit code reflects them.
func report(cmd *cobra.Command, o services.Outcome) error {
	view := outcomeView{
		Success:       o.Success(),
		Status:        o.Status,
		Message:       o.Message,
		TransactionID: o.TransactionID,
	}
	if o.Transaction != nil {
		view.Transaction = o.Transaction
	}
	if err := printJSON(cmd.OutOrStdout(), view); err != nil {
		return err
	}
	switch o.Kind {
	case services.OutcomeInvalidInput, services.OutcomeNotFound, services.OutcomeError:
		return errors.New(o.Message)
	}
	return nil
}

func opContext(cmd *cobra.Command, timeout *time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), *timeout)
}

func statusCmd(rt *runtime, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transaction_id>",
		Short: "Show the stored state of a tip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext(cmd, timeout)
			defer cancel()
			return report(cmd, rt.tips.Status(ctx, args[0]))
		},
	}
}

func verifyCmd(rt *runtime, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <transaction_id>",
		Short: "Query the gateway for a pending tip, counting one verification attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext(cmd, timeout)
			defer cancel()
			return report(cmd, rt.tips.Verify(ctx, args[0]))
		},
	}
}

func historyCmd(rt *runtime, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "history <phone_number>",
		Short: "List retained tips for a phone number, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opContext(cmd, timeout)
			defer cancel()
			txns, err := rt.tips.History(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), txns)
		},
	}
}

func initiateCmd(rt *runtime, timeout *time.Duration) *cobra.Command {
	var phone, amount string
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Send an STK push for a tip",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			ctx, cancel := opContext(cmd, timeout)
			defer cancel()
			return report(cmd, rt.tips.InitiateTip(ctx, phone, value))
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "Payer phone number")
	cmd.Flags().StringVar(&amount, "amount", "", "Tip amount in KES")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
