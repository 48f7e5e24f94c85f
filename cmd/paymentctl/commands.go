package main

import (
	"fmt"
	"strings"

	"edupay/internal/service"
	"edupay/pkg/payment"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func operatorAudit(cmd *cobra.Command) service.Audit {
	id, _ := cmd.Flags().GetUint("operator")
	return service.Audit{UserID: id, IPAddress: "cli", UserAgent: "paymentctl"}
}

func sweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel pending transactions older than the configured timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.app.Sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("cancelled %d stale transaction(s)\n", n)
			return nil
		},
	}
}

func refundCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refund [code]",
		Short: "Record that a completed transaction was refunded out of band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			t, err := e.app.Transactions.MarkRefunded(cmd.Context(), args[0], note, operatorAudit(cmd))
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", t.Code, t.Status)
			return nil
		},
	}
	cmd.Flags().StringP("note", "n", "", "Reason stored in the transaction notes")
	return cmd
}

func confirmTransferCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm-transfer [code]",
		Short: "Confirm a manual bank transfer was received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount *decimal.Decimal
			if s, _ := cmd.Flags().GetString("amount"); strings.TrimSpace(s) != "" {
				d, err := decimal.NewFromString(strings.TrimSpace(s))
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", s, err)
				}
				amount = &d
			}
			res, err := e.app.Transactions.ConfirmTransfer(cmd.Context(), args[0], amount, operatorAudit(cmd))
			if err != nil {
				return err
			}
			if res.Ack == payment.AckInvalidAmount {
				return fmt.Errorf("%s: amount does not match the transaction, nothing changed", args[0])
			}
			fmt.Printf("%s: %s (%s)\n", args[0], res.Status, res.Ack)
			if res.Enrollment != nil {
				fmt.Printf("enrollment %d: user %d course %d\n", res.Enrollment.ID, res.Enrollment.UserID, res.Enrollment.CourseID)
			}
			return nil
		},
	}
	cmd.Flags().StringP("amount", "a", "", "Amount seen on the bank statement")
	return cmd
}

func methodsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List registered payment methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, m := range e.app.Gateways.Methods() {
				fmt.Println(m)
			}
			return nil
		},
	}
}
