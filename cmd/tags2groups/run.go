package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/vectra-tools/tags2groups/internal/config"
	"github.com/vectra-tools/tags2groups/internal/mapfile"
	"github.com/vectra-tools/tags2groups/internal/reconcile"
	"github.com/vectra-tools/tags2groups/pkg/cognito"
)

// runSync validates credentials and dispatches to the pull or push phase.
func runSync(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client, err := cognito.NewClient(cognito.ClientConfig{
		BrainURL:    cfg.BrainURL,
		APIToken:    cfg.APIToken,
		VerifySSL:   cfg.VerifySSL,
		Fingerprint: cfg.Fingerprint,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		return err
	}

	if err := client.VerifyCredentials(ctx); err != nil {
		return err
	}

	if cfg.Pull {
		return runPull(ctx, cfg, client, out)
	}
	return runPush(ctx, cfg, client)
}

// runPull discovers the tags in use and writes the editable mapping template.
func runPull(ctx context.Context, cfg *config.Config, client *cognito.Client, out io.Writer) error {
	if cfg.ActiveOnly {
		log.Info().Msg("Collecting active hosts with tags")
	} else {
		log.Info().Msg("Collecting all hosts with tags")
	}

	tags, err := client.ListTags(ctx, cfg.ActiveOnly)
	if err != nil {
		return err
	}
	log.Info().Int("tags", len(tags)).Msg("Discovered tags")

	if err := mapfile.Write(cfg.MappingFile, tags); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nStep 1.  Edit %s and define tag to group relationship.\nStep 2.  Rerun with the --push flag\n", cfg.MappingFile)
	return nil
}

// runPush reads the edited mapping and reconciles every entry. A mapping
// parse failure halts before any remote mutation.
func runPush(ctx context.Context, cfg *config.Config, client *cognito.Client) error {
	mapping, err := mapfile.Read(cfg.MappingFile)
	if err != nil {
		return err
	}
	log.Info().Int("groups", len(mapping)).Msg("Adding hosts to groups")

	engine := reconcile.NewEngine(client, reconcile.Options{
		PopTags:    cfg.PopTags,
		ActiveOnly: cfg.ActiveOnly,
	})
	return engine.Run(ctx, mapping)
}
