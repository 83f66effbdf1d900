package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"revisaria/internal/config"
	"revisaria/internal/engine"
	"revisaria/internal/repo"
)

const defaultFirmID = "default-firm"

// ResolveConfig picks the active firm and ensures its config exists in the
// database, seeding defaults on first use. Resolution order: explicit
// override, the single firm already in the DB, the workspace config file,
// then the built-in defaults.
func ResolveConfig(ctx context.Context, workspace, firmOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	firmID := firmOverride
	if firmID == "" {
		if id, cfg, err := r.AnyFirmConfig(ctx); err == nil {
			return id, cfg, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if fileCfg != nil {
			firmID = fileCfg.Firm.ID
		}
		if firmID == "" {
			firmID = defaultFirmID
		}
	}

	cfg, err := r.GetFirmConfig(ctx, firmID)
	if err == nil {
		return firmID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(firmID)
	}
	seedCfg.Firm.ID = firmID
	if err := seedFirm(ctx, r, firmID, seedCfg, actorID); err != nil {
		return "", nil, err
	}
	return firmID, seedCfg, nil
}

// seedFirm inserts the firm, its config and the RBAC footprint from the seed
// config, granting the owner role to actorID.
func seedFirm(ctx context.Context, r repo.Repo, firmID string, seedCfg *config.Config, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureFirm(ctx, tx, firmID, seedCfg.Firm.Name, now); err != nil {
		return fmt.Errorf("ensure firm: %w", err)
	}
	if err := r.UpsertFirmConfigTx(ctx, tx, firmID, seedCfg); err != nil {
		return fmt.Errorf("seed firm config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if actorID == "" {
		actorID = "local-user"
	}
	e, err := engine.New(r.DB, seedCfg)
	if err != nil {
		return err
	}
	if err := e.SeedRBAC(ctx, actorID); err != nil {
		return fmt.Errorf("seed rbac: %w", err)
	}
	return nil
}
