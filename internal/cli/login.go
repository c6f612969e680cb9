package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newLoginCmd(a *app) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Authenticate and store the credential locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			email := strings.TrimSpace(args[0])
			if password == "" {
				password = os.Getenv("COACHCHAT_PASSWORD")
			}
			if password == "" {
				fmt.Print("Password: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimSpace(line)
			}
			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}

			cred, err := a.api.Login(ctx, email, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			if err := a.repo.SaveCredential(ctx, cred); err != nil {
				return fmt.Errorf("save credential: %w", err)
			}

			name := cred.User.DisplayName
			if name == "" {
				name = cred.User.Email
			}
			color.New(color.FgGreen).Printf("Logged in as %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (falls back to COACHCHAT_PASSWORD, then a prompt)")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			if err := a.repo.ClearCredential(ctx); err != nil {
				return fmt.Errorf("clear credential: %w", err)
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}
