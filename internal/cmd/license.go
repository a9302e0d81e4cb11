package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/license"
	"github.com/pairlink/pairlink/internal/store"
)

func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Manage licenses directly against the configured store",
	}
	cmd.AddCommand(newLicenseCreateCmd())
	cmd.AddCommand(newLicenseListCmd())
	cmd.AddCommand(newLicenseRevokeCmd())
	return cmd
}

// openStore loads the config and opens the storage backend it names.
func openStore(cmd *cobra.Command) (store.Store, error) {
	configPath := resolveConfigPath(cmd, nil, "pairlink.json")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.New(cfg.Storage.Driver, cfg.Storage.DSN)
}

func newLicenseCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a license for a login phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			phone, _ := cmd.Flags().GetString("phone")
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}
			key, _ := cmd.Flags().GetString("key")
			manage, _ := cmd.Flags().GetBool("manage")
			days, _ := cmd.Flags().GetInt("days")

			if key == "" {
				generated, err := license.GenerateKey()
				if err != nil {
					return fmt.Errorf("generate key: %w", err)
				}
				key = generated
			} else if !license.ValidKey(key) {
				return fmt.Errorf("key does not match the required 20-character format")
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			lic := &store.License{
				Phone:            phone,
				LicenseKey:       key,
				ManagePermission: manage,
				Status:           store.StatusActive,
			}
			if days > 0 {
				expires := time.Now().AddDate(0, 0, days)
				lic.ExpiresAt = &expires
			}
			if err := db.CreateLicense(context.Background(), lic); err != nil {
				return fmt.Errorf("create license: %w", err)
			}

			fmt.Printf("License created\n  Phone:  %s\n  Key:    %s\n  Manage: %v\n", phone, key, manage)
			if lic.ExpiresAt != nil {
				fmt.Printf("  Expires: %s\n", lic.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("phone", "", "login phone the license authorizes")
	cmd.Flags().String("key", "", "license key (generated when omitted)")
	cmd.Flags().Bool("manage", false, "grant management API permission")
	cmd.Flags().Int("days", 0, "validity in days (0 = no expiry)")
	return cmd
}

func newLicenseListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			lics, err := db.ListLicenses(context.Background(), store.LicenseFilter{Status: status})
			if err != nil {
				return fmt.Errorf("list licenses: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPHONE\tSTATUS\tMANAGE\tEXPIRES")
			for _, lic := range lics {
				expires := "-"
				if lic.ExpiresAt != nil {
					expires = lic.ExpiresAt.Format("2006-01-02")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\n", lic.ID, lic.Phone, lic.Status, lic.ManagePermission, expires)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", "", "filter by status (active, revoked, expired)")
	return cmd
}

func newLicenseRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <phone>",
		Short: "Revoke the license bound to a phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := context.Background()
			lic, err := db.GetLicenseByPhone(ctx, args[0])
			if err != nil {
				return fmt.Errorf("lookup license: %w", err)
			}
			if lic == nil {
				return fmt.Errorf("no license for phone %s", args[0])
			}
			if err := db.UpdateLicenseStatus(ctx, lic.ID, store.StatusRevoked); err != nil {
				return fmt.Errorf("revoke license: %w", err)
			}
			fmt.Printf("License for %s revoked\n", args[0])
			return nil
		},
	}
}
