package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"compliance-recorder/internal/auth"
	"compliance-recorder/internal/rbac"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("user", "", "user id carried in the token")
	tokenIssueCmd.Flags().String("tenant", "", "tenant the token is scoped to")
	tokenIssueCmd.Flags().String("role", rbac.RoleComplianceOfficer, "role: super_admin, compliance_officer, auditor or media_ingest")
	_ = tokenIssueCmd.MarkFlagRequired("user")
	_ = tokenIssueCmd.MarkFlagRequired("tenant")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage admin API tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint an access/refresh token pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		tenant, _ := cmd.Flags().GetString("tenant")
		role, _ := cmd.Flags().GetString("role")
		if !knownRole(role) {
			return errors.New("unknown role " + role)
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := auth.NewManager(cfg.Auth)
		if err != nil {
			return err
		}
		pair, err := m.IssuePair(time.Now(), user, tenant, role)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pair)
	},
}

func knownRole(role string) bool {
	switch role {
	case rbac.RoleSuperAdmin, rbac.RoleComplianceOfficer, rbac.RoleAuditor, rbac.RoleMediaIngest:
		return true
	}
	return false
}
