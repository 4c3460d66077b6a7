// Package bootstrap holds the wiring shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ai"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/config"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/db"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/models"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/store/rabbitmq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AllModels lists every table of the service.
func AllModels() []any {
	return append([]any{
		&models.Organization{},
		&models.User{},
		&models.OrganizationMember{},
		&models.InviteToken{},
		&models.AuditLog{},
	}, chat.AllModels()...)
}

// OpenDB connects and migrates the schema.
func OpenDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(gdb, AllModels()...); err != nil {
		return nil, err
	}
	return gdb, nil
}

func Summarizer(ctx context.Context, cfg config.Config) (*ai.Summarizer, error) {
	reg := ai.NewDefaultRegistry(ai.ProviderSettings{
		OllamaBaseURL:     cfg.OllamaBaseURL,
		OllamaModel:       cfg.OllamaModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterSiteURL: cfg.OpenRouterSiteURL,
		OpenRouterAppName: cfg.OpenRouterAppName,
	})
	return ai.NewSummarizerFromRegistry(ctx, reg, cfg.AIProvider, "", cfg.SummaryTimeout)
}

// StaleSummarizing is how long a summary attempt may run before it is presumed dead:
// well past the AI call timeout, never below chat.DefaultStaleSummarizing.
func StaleSummarizing(cfg config.Config) time.Duration {
	return max(chat.DefaultStaleSummarizing, 3*cfg.SummaryTimeout)
}

// Events connects the domain event publisher. Without RABBIT_URL it returns nil and events
// are dropped.
func Events(cfg config.Config, log *zap.Logger) *rabbitmq.EventPublisher {
	if cfg.RabbitURL == "" {
		return nil
	}
	ep, err := rabbitmq.NewEventPublisher(cfg.RabbitURL, cfg.RabbitExchange)
	if err != nil {
		log.Warn("event publisher unavailable, domain events disabled", zap.Error(err))
		return nil
	}
	return ep
}
