// backfill assigns rows written before multi-tenancy (organization_id = 0) to one
// organization. Run it once, after migrating, before serving traffic:
//
//	backfill --org-slug acme --dry-run
//	backfill --org-slug acme
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/backfill"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/bootstrap"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/config"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		orgSlug string
		orgID   uint64
		dryRun  bool
	)
	flagSet := pflag.NewFlagSet("backfill", pflag.ContinueOnError)
	flagSet.StringVar(&orgSlug, "org-slug", "", "slug of the organization that receives legacy rows")
	flagSet.Uint64Var(&orgID, "org-id", 0, "id of the organization that receives legacy rows")
	flagSet.BoolVar(&dryRun, "dry-run", false, "count legacy rows without changing them")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if (orgSlug == "") == (orgID == 0) {
		return errors.New("exactly one of --org-slug or --org-id is required")
	}

	cfg := config.Load()
	log := logger.New("", cfg.AppEnv == "prod")
	defer func() { _ = log.Sync() }()

	gdb, err := bootstrap.OpenDB(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()

	if orgSlug != "" {
		id, err := lookupSlug(ctx, gdb, orgSlug)
		if err != nil {
			return err
		}
		orgID = id
	}

	rep, err := backfill.Assign(ctx, gdb, orgID, dryRun)
	if err != nil {
		return err
	}
	for _, table := range backfill.Tables {
		log.Info("legacy rows", zap.String("table", table), zap.Int64("rows", rep.Rows[table]), zap.Bool("dry_run", dryRun))
	}
	log.Info("backfill finished", zap.Uint64("organization_id", orgID), zap.Int64("total", rep.Total()), zap.Bool("dry_run", dryRun))
	return nil
}

func lookupSlug(ctx context.Context, gdb *gorm.DB, slug string) (uint64, error) {
	var org models.Organization
	if err := gdb.WithContext(ctx).Where("slug = ?", slug).First(&org).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("%w: slug %q", models.ErrOrganizationNotFound, slug)
		}
		return 0, err
	}
	return org.ID, nil
}
