package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/GetStream/event-chat/chat"
	"github.com/GetStream/event-chat/postgres"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var newUser chat.User

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or update a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
		pg, err := postgres.Connect(cmd.Context(), cfg.DatabaseURL, slog.Default())
		if err != nil {
			return err
		}
		defer pg.Close()

		u, err := pg.UpsertUser(cmd.Context(), newUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s <%s> verified=%t\n", u.UID, u.Email, u.EmailVerified)
		return nil
	},
}

func init() {
	f := userAddCmd.Flags()
	f.StringVar(&newUser.UID, "uid", "", "user ID")
	f.StringVar(&newUser.Email, "email", "", "email address")
	f.StringVar(&newUser.DisplayName, "name", "", "display name")
	f.StringVar(&newUser.PhotoURL, "photo", "", "profile picture URL")
	f.BoolVar(&newUser.EmailVerified, "verified", false, "mark the email address as verified")
	userAddCmd.MarkFlagRequired("uid")
	userAddCmd.MarkFlagRequired("email")

	userCmd.AddCommand(userAddCmd)
	rootCmd.AddCommand(userCmd)
}
