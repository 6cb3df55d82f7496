package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/twitch-gpt-bot-go/internal/config"
	"github.com/twitch-gpt-bot-go/internal/services/storage"
)

func newModelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models available to the configured API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, log, err := bootstrap()
			if err != nil {
				return err
			}
			client, err := newCompletionClient(provider.Current(), log)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ids, err := client.ListModels(ctx)
			if err != nil {
				return fmt.Errorf("failed to list models: %w", err)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (channel %s, model %s, story %t, sound %t)\n",
				configPath, cfg.Twitch.Channel, cfg.OpenAI.Model, cfg.Features.Story, cfg.Features.Sound)
			return nil
		},
	}
}

func newTranscriptsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Print the most recent archived stories of the channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, log, err := bootstrap()
			if err != nil {
				return err
			}
			cfg := provider.Current()
			manager, err := storage.NewManager(cfg, log)
			if err != nil {
				return err
			}
			defer manager.Close()

			transcripts, err := manager.ListTranscripts(cmd.Context(), cfg.Twitch.Channel, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range transcripts {
				fmt.Fprintf(out, "== %s started by %s at %s (%s, %s, %s)\n",
					t.ID, t.StartedBy, t.StartedAt.Format(time.RFC3339), t.Style, t.Tone, t.Theme)
				for _, m := range t.Messages {
					fmt.Fprintf(out, "  [%s] %s\n", m.Role, m.Content)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Number of transcripts to print")
	return cmd
}
