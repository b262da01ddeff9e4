package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"koresoft/device-identity/internal/auth"
	"koresoft/device-identity/internal/config"
	"koresoft/device-identity/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "device-identity",
		Short:        "Device enrollment, credential and lifecycle service.",
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())
	return root
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

// signingKeys picks the configured PEM key, or a throwaway key in dev mode.
func signingKeys(cfg config.Config, logger *zap.Logger) *auth.CachedKeyProvider {
	if cfg.DevEphemeralKey {
		logger.Warn("using an ephemeral signing key: credentials will not survive a restart")
		return auth.NewCachedKeyProvider(cfg.JWTKeyID, auth.EphemeralLoader())
	}
	return auth.NewCachedKeyProvider(cfg.JWTKeyID, auth.PEMLoader(cfg.JWTPrivateKey))
}

func lifetime(cfg config.Config) auth.Lifetime {
	return auth.Lifetime{
		TTL:         cfg.CredentialTTL,
		RenewWindow: cfg.CredentialRenewWindow,
		MaxOffline:  cfg.CredentialMaxOffline,
	}
}
