package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/config"
)

// newTokenCmd mints a device credential with the configured signing key, for
// provisioning test devices by hand.
func newTokenCmd() *cobra.Command {
	var (
		deviceID string
		clientID string
		scopes   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device credential signed with the configured key.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := uuid.Parse(deviceID); err != nil {
				return fmt.Errorf("invalid --device: must be a UUID")
			}
			if clientID == "" {
				return fmt.Errorf("invalid --client: must not be empty")
			}
			cfg := config.Load()
			if cfg.JWTPrivateKey == "" {
				return fmt.Errorf("JWT_PRIVATE_KEY is required to issue credentials")
			}
			keys := auth.NewCachedKeyProvider(cfg.JWTKeyID, auth.PEMLoader(cfg.JWTPrivateKey))
			codec := auth.NewCodec(keys, auth.WithIssuer(cfg.JWTIssuer))

			token, err := codec.Issue(lifetime(cfg).DeviceClaims(deviceID, clientID, scopes, "", codec.Now()))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "device id (UUID)")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeHeartbeat}, "granted scopes")
	return cmd
}
