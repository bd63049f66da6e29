package app

import (
	"context"
	"errors"
	"os"
	"time"

	"diwan/internal/config"
	"diwan/internal/lifecycle"
	"diwan/internal/repo"
)

// ResolveCouncilConfig picks the active council and ensures its config
// exists in the DB, seeding defaults if missing. It prefers the
// override, then a single stored council, then the workspace yaml.
func ResolveCouncilConfig(ctx context.Context, workspace, councilOverride string, r repo.Repo) (*config.Config, error) {
	if councilOverride != "" {
		cfg, err := r.GetCouncilConfig(ctx, councilOverride)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		return seedCouncil(ctx, workspace, councilOverride, r)
	}
	cfg, err := r.SingleCouncilConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return seedCouncil(ctx, workspace, "default-council", r)
}

// seedCouncil stores the workspace yaml if present, else the built-in
// default, under the given council ID.
func seedCouncil(ctx context.Context, workspace, councilID string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	raw := ""
	if cfg == nil {
		raw = config.GenerateDefault(councilID)
		cfg, err = config.FromYAML([]byte(raw))
		if err != nil {
			return nil, err
		}
	} else {
		raw = config.GenerateDefault(cfg.Council.ID)
		if data, rerr := os.ReadFile(config.Path(workspace)); rerr == nil {
			raw = string(data)
		}
		councilID = cfg.Council.ID
	}
	if err := r.UpsertCouncilConfig(ctx, councilID, cfg, raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BootstrapAdmin grants the admin role to the given actor if no admin
// exists yet. First actor in an empty workspace becomes the admin.
func BootstrapAdmin(ctx context.Context, r repo.Repo, actorID string) error {
	if actorID == "" {
		actorID = "local-admin"
	}
	actors, err := r.ListActors(ctx)
	if err != nil {
		return err
	}
	for _, a := range actors {
		if a.Role == lifecycle.RoleAdmin {
			return nil
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return r.SetActorRole(ctx, actorID, lifecycle.RoleAdmin, now)
}
