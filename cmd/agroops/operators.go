package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agroops/store"
	"agroops/www"
)

var operatorsCmd = &cobra.Command{
	Use:   "operators",
	Short: "Manage console operators",
}

var operatorsAddCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create an operator account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.Open(&cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		hash, err := www.HashPassword(args[1])
		if err != nil {
			return err
		}
		if err := db.CreateOperator(args[0], hash); err != nil {
			return fmt.Errorf("create operator %s: %w", args[0], err)
		}
		logger.Info("operator created", zap.String("username", args[0]))
		return nil
	},
}

func init() {
	operatorsCmd.AddCommand(operatorsAddCmd)
}
