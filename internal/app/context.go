package app

import (
	"context"
	"errors"
	"fmt"

	"boardsync/internal/config"
	"boardsync/internal/engine"
	"boardsync/internal/repo"
)

// ResolveProject picks the active project: the override first, then the
// only project in the database.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return "", fmt.Errorf("project not specified; use --project")
	}
	return p.ID, nil
}

// ResolveProjectAndConfig returns the active project and its stored config,
// seeding the default config when the project has none yet.
func ResolveProjectAndConfig(ctx context.Context, r repo.Repo, override string) (string, *config.Config, error) {
	projectID, err := ResolveProject(ctx, r, override)
	if err != nil {
		return "", nil, err
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("project %s not found; create it with boardctl project create", projectID)
		}
		return "", nil, err
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := r.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// Bootstrap creates the project described by cfg when missing, makes actorID
// its leader, and imports the members listed in cfg.
func Bootstrap(ctx context.Context, e engine.Engine, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if actorID == "" {
		actorID = "local-user"
	}
	projectID := cfg.Project.ID
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if _, err := e.InitProject(ctx, projectID, cfg.Project.Name, "", actorID); err != nil {
			return err
		}
	} else if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
		return fmt.Errorf("store project config: %w", err)
	}
	// The bootstrapping actor's own entry goes last so a demotion cannot
	// lock out the remaining imports.
	members := make([]config.MemberConfig, 0, len(cfg.Members))
	var self []config.MemberConfig
	for _, m := range cfg.Members {
		if m.ID == actorID {
			self = append(self, m)
			continue
		}
		members = append(members, m)
	}
	for _, m := range append(members, self...) {
		if _, err := e.UpsertMember(ctx, engine.MemberOptions{
			ProjectID: projectID,
			ActorID:   m.ID,
			Name:      m.Name,
			Email:     m.Email,
			AvatarURL: m.AvatarURL,
			Role:      m.Role,
			By:        actorID,
		}); err != nil {
			return fmt.Errorf("import member %s: %w", m.ID, err)
		}
	}
	return nil
}
