package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/gridgate"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/uid"
	"pkt.systems/pslog"
)

func newAdminCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "admin",
		Short:        "Manage identities in the gridgate database",
		SilenceUsage: true,
	}
	cmd.AddCommand(newAdminCreateCommand(logger))
	return cmd
}

func newAdminCreateCommand(logger pslog.Logger) *cobra.Command {
	var (
		login    string
		password string
		email    string
		rights   string
		owner    string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an identity (the administrator first, then its users)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			login = strings.TrimSpace(login)
			if login == "" || password == "" {
				return errors.New("--login and --password are required")
			}
			level, err := store.ParseRights(rights)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := gridgate.OpenDatabase(ctx, gridgate.Config{Database: viper.GetString("database")})
			if err != nil {
				return err
			}
			defer db.Close()
			rec := &store.Identity{
				ID:        uid.New(),
				Login:     login,
				Password:  password,
				Email:     strings.TrimSpace(email),
				Rights:    level,
				CreatedAt: time.Now().UTC(),
			}
			if rec.Email == "" {
				rec.Email = login
			}
			if owner != "" {
				parent, err := db.IdentityByLogin(ctx, owner)
				if err != nil {
					return fmt.Errorf("owner %q: %w", owner, err)
				}
				rec.OwnerID = parent.ID
			}
			if err := db.CreateIdentity(ctx, rec); err != nil {
				return fmt.Errorf("create identity %q: %w", login, err)
			}
			applyLogLevel(logger).Info("admin.identity.created", "login", rec.Login, "identity_id", rec.ID, "rights", rec.Rights.String())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", rec.ID, rec.Login)
			return nil
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "unique login")
	cmd.Flags().StringVar(&password, "password", "", "password for credential logins")
	cmd.Flags().StringVar(&email, "email", "", "email address (defaults to the login)")
	cmd.Flags().StringVar(&rights, "rights", store.RightsAdministrator.String(), "privilege level (standard_user, worker_user, advanced_user, super_user, administrator)")
	cmd.Flags().StringVar(&owner, "owner", "", "login of the owning identity")
	return cmd
}
