package main

import (
	"fmt"
	"log"
	"os"

	"edupay/config"
	"edupay/internal/app"
	"edupay/internal/database"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

// env is built once in PersistentPreRunE and shared by subcommands.
type env struct {
	app     *app.App
	closeFn func()
}

func main() {
	e := &env{}
	rootCmd := &cobra.Command{
		Use:     "paymentctl",
		Short:   "Operator actions for course payments",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.open()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.closeFn != nil {
				e.closeFn()
			}
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Uint("operator", 0, "Operator user id recorded in payment history")

	rootCmd.AddCommand(sweepCmd(e))
	rootCmd.AddCommand(refundCmd(e))
	rootCmd.AddCommand(confirmTransferCmd(e))
	rootCmd.AddCommand(methodsCmd(e))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (e *env) open() error {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	infra, closeInfra := app.NewInfra(cfg)
	e.app = app.New(cfg, db, infra)
	e.closeFn = closeInfra
	return nil
}
