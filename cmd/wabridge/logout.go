package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wabridge/internal/channel"
	"wabridge/internal/config"

	"github.com/spf13/cobra"
)

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unlink the paired WhatsApp device",
		Long:  "Removes this bridge from the phone's linked devices and clears the local session. The next 'run' shows a new QR code.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.WhatsApp.Mode != config.ModeWeb {
				return fmt.Errorf("logout only applies to whatsapp.mode=%s (current: %s)", config.ModeWeb, cfg.WhatsApp.Mode)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			web := channel.NewWhatsAppWeb(channel.WhatsAppWebConfig{
				StorePath: cfg.WhatsApp.StorePath,
				LogLevel:  cfg.WhatsApp.LogLevel,
				Logger:    logger,
			})
			err = web.Logout(ctx)
			if errors.Is(err, channel.ErrNotPaired) {
				logger.Info("no paired device, nothing to do", "store", cfg.WhatsApp.StorePath)
				return nil
			}
			if err != nil {
				return err
			}
			logger.Info("device unlinked", "store", cfg.WhatsApp.StorePath)
			return nil
		},
	}
}
