package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/gitsync"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"go.uber.org/zap"
)

// engine holds the wired core components shared by serve and the
// maintenance commands.
type engine struct {
	store   relaygraph.GraphStore
	nodes   *relaygraph.MutationService
	scanner *relaygraph.Scanner
	repairs *relaygraph.RepairEngine
	events  *relaygraph.EventHub
	tenants *relaygraph.PostgresTenantRecords
}

func buildEngine(ctx context.Context, cfg *config.Config, gate relaygraph.AccessGate, logger *zap.Logger) (*engine, error) {
	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = logger
	store, err := relaygraph.BuildGraphStoreFromDSN(ctx, cfg.Store.DSN, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	e := &engine{store: store, events: relaygraph.NewEventHub()}

	var adapter relaygraph.SyncAdapter
	if cfg.Sync.Enabled {
		committer, err := gitsync.NewCommitter(gitsync.CommitterOptions{
			RepoPath:    cfg.Sync.RepoPath,
			Subdir:      cfg.Sync.Subdir,
			AuthorName:  cfg.Sync.AuthorName,
			AuthorEmail: cfg.Sync.AuthorEmail,
			Logger:      logger,
		})
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		adapter = committer
	}

	e.nodes, err = relaygraph.NewMutationService(relaygraph.MutationServiceOptions{
		Store:         store,
		MutableFields: cfg.Store.MutableFields,
		SyncableTypes: cfg.Store.SyncableTypes,
		Adapter:       adapter,
		Events:        e.events,
		Logger:        logger,
	})
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}
	e.scanner, err = relaygraph.NewScanner(store, cfg.Repair.Rules, logger)
	if err != nil {
		_ = e.Close(ctx)
		return nil, err
	}

	var tenants relaygraph.TenantRecordsRemover
	if cfg.Billing.PostgresDSN != "" {
		e.tenants, err = relaygraph.NewPostgresTenantRecords(cfg.Billing.PostgresDSN, cfg.Billing.Tables, logger)
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		tenants = e.tenants
	}

	if cfg.Repair.ConfirmToken != "" && gate != nil {
		authorizer, err := relaygraph.NewRepairAuthorizer(gate, cfg.Repair.ConfirmToken)
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
		e.repairs, err = relaygraph.NewRepairEngine(relaygraph.RepairEngineOptions{
			Store:         store,
			Rules:         cfg.Repair.Rules,
			Authorizer:    authorizer,
			TenantRecords: tenants,
			Events:        e.events,
			Logger:        logger,
		})
		if err != nil {
			_ = e.Close(ctx)
			return nil, err
		}
	}
	return e, nil
}

// requireRepairs reports the missing setting when repairs were not wired.
func (e *engine) requireRepairs() error {
	if e.repairs == nil {
		return errors.New("repairs require repair.confirm_token and access.policy_file")
	}
	return nil
}

func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if e.tenants != nil {
		errs = append(errs, e.tenants.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close(ctx))
	}
	return errors.Join(errs...)
}
