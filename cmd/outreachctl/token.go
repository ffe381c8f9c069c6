package main

import (
	"fmt"
	"time"

	"outreach-platform/internal/auth"
	"outreach-platform/internal/rbac"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access/refresh token pair for an operator or trigger service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rbac.Known(tokenRole) {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		m, err := auth.NewManager(cfg.Auth)
		if err != nil {
			return err
		}
		pair, err := m.IssuePair(time.Now(), tokenUser, tokenRole)
		if err != nil {
			return err
		}
		return printJSON(pair)
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "Subject id (operator or service name)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", rbac.RoleOperator, "operator, supervisor, trigger or admin")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
