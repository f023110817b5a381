package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"canopy/api/internal/app"
	"canopy/api/internal/config"
	"canopy/api/internal/search"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every live page and comment to Meilisearch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return errors.New("MEILI_URL is not set")
			}
			log := cliLogger(cfg)

			storage, err := app.OpenStorage(cmd.Context(), cfg, false, log)
			if err != nil {
				return err
			}
			defer storage.Close()

			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
			defer meili.Close()
			service := app.New(cfg, app.Deps{
				Store:  storage.Store,
				Search: search.NewService(meili, nil, log),
				Logger: log,
			})

			started := time.Now()
			pages, comments, err := service.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d pages and %d comments in %s\n",
				pages, comments, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
}
