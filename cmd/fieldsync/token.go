package main

import (
	"context"
	"fmt"

	"fieldsync/internal/app"
	"fieldsync/internal/model"

	"github.com/spf13/cobra"
)

// token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and renew the device token",
}

// maskToken keeps the first and last four characters.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func printCredential(c *model.Credential) {
	if c == nil {
		fmt.Println("No token issued yet.")
		return
	}
	fmt.Printf("Device ID: %s\n", c.DeviceID)
	fmt.Printf("Token:     %s\n", maskToken(c.Token))
	fmt.Printf("Issued:    %s\n", formatTime(c.IssuedAt))
	if c.IsTemporary {
		fmt.Println("Temporary: yes (replaced on next contact with a server)")
	} else {
		fmt.Printf("Valid to:  %s\n", formatTime(c.ValidUntil))
	}
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "TokenShow", func(ctx context.Context, a *app.FieldApp) error {
			c, err := a.Credential(ctx)
			if err != nil {
				return err
			}
			printCredential(c)
			return nil
		})
	},
}

var tokenRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Request a new token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "TokenRefresh", func(ctx context.Context, a *app.FieldApp) error {
			c, err := a.RefreshToken(ctx)
			if err != nil {
				return err
			}
			printCredential(c)
			return nil
		})
	},
}

var tokenValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Ask the server whether the token is accepted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "TokenValidate", func(ctx context.Context, a *app.FieldApp) error {
			ok, err := a.ValidateToken(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Println("Token accepted.")
			} else {
				fmt.Println("Token rejected. Run 'fieldsync token refresh'.")
			}
			return nil
		})
	},
}

func init() {
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenRefreshCmd)
	tokenCmd.AddCommand(tokenValidateCmd)
}
