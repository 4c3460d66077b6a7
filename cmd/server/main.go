package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/audit"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/bootstrap"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/config"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/email"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/forward"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/guard"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/httpapi/handlers"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/ingest"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/line"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/org"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/store/objectstore"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/store/rabbitmq"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/store/redisstore"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/tracing"
	"go.uber.org/zap"
)

const sweepBatch = 200

func main() {
	cfg := config.Load()
	isProd := cfg.AppEnv == "prod"
	log := logger.New(cfg.LogFile, isProd)
	defer func() { _ = log.Sync() }()
	if isProd {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(cfg.OTELEnabled, cfg.OTELEndpoint, "line-summarizer-api", log)

	gdb, err := bootstrap.OpenDB(cfg)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}

	// chat.EventSink and audit.Publisher are both satisfied by *rabbitmq.EventPublisher;
	// keep the interfaces nil when it is absent.
	var (
		events   chat.EventSink
		auditPub audit.Publisher
	)
	if ep := bootstrap.Events(cfg, log); ep != nil {
		defer func() { _ = ep.Close() }()
		events, auditPub = ep, ep
	}

	summarizer, err := bootstrap.Summarizer(ctx, cfg)
	if err != nil {
		log.Fatal("ai provider init failed", zap.String("provider", cfg.AIProvider), zap.Error(err))
	}

	repo := chat.NewRepo(gdb)
	summaries := chat.NewSummaryService(repo, summarizer, cfg.MinMessagesForSummary, events, log)
	summaries.SetStaleAfter(bootstrap.StaleSummarizing(cfg))

	var (
		dispatcher chat.SummaryDispatcher
		inline     *chat.InlineDispatcher
	)
	switch cfg.SummaryMode {
	case "queue":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatal("rabbit publisher init failed", zap.Error(err))
		}
		defer func() { _ = pub.Close() }()
		dispatcher = chat.NewQueueDispatcher(repo, pub, log)
	case "inline":
		inline = chat.NewInlineDispatcher(summaries, false, log)
		dispatcher = inline
	default:
		inline = chat.NewInlineDispatcher(summaries, true, log)
		dispatcher = inline
	}
	log.Info("summary dispatch configured", zap.String("mode", cfg.SummaryMode))

	managerOpts := []chat.ManagerOption{}
	if events != nil {
		managerOpts = append(managerOpts, chat.WithEventSink(events))
	}
	gatewayOpts := []ingest.Option{}

	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer func() { _ = rs.Close() }()
		managerOpts = append(managerOpts, chat.WithLocker(redisstore.NewRoomLocker(rs, 30*time.Second, log)))
		gatewayOpts = append(gatewayOpts, ingest.WithDeduper(redisstore.NewEventDeduper(rs, 24*time.Hour)))
	} else {
		log.Info("redis not configured, using in-process room locks")
	}

	manager := chat.NewManager(repo, dispatcher, chat.LifecycleConfig{
		MaxMessagesPerSession: cfg.MaxMessagesPerSession,
		SessionTimeout:        cfg.SessionTimeout(),
	}, log, managerOpts...)

	mailer := email.NewMailer(email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, cfg.FrontendURL, log)
	orgs := org.NewService(gdb, mailer, log)

	lineClient := line.NewClient(cfg.LineAPIBaseURL, cfg.LineContentBaseURL)
	names := line.NewNames(lineClient)
	rooms := chat.NewRoomResolver(repo, names, log)
	gatewayOpts = append(gatewayOpts, ingest.WithSenderNames(names))

	if cfg.MinioEndpoint != "" {
		mc, err := objectstore.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			log.Fatal("minio init failed", zap.Error(err))
		}
		if err := objectstore.EnsureBucket(ctx, mc, cfg.MinioBucket); err != nil {
			log.Fatal("minio bucket init failed", zap.String("bucket", cfg.MinioBucket), zap.Error(err))
		}
		gatewayOpts = append(gatewayOpts, ingest.WithImageStorage(lineClient, objectstore.NewImageStore(mc, cfg.MinioBucket, log)))
	}

	fwd := forward.New(cfg.ForwardWebhookURL, cfg.ForwardTimeout, log)
	if fwd.Enabled() {
		gatewayOpts = append(gatewayOpts, ingest.WithForwarder(fwd))
	}

	gateway := ingest.NewGateway(orgs, rooms, manager, log, gatewayOpts...)

	h := &handlers.Handler{
		Orgs:       orgs,
		Guard:      guard.New(orgs),
		Audit:      audit.NewRecorder(gdb, auditPub, log),
		Repo:       repo,
		Manager:    manager,
		Summaries:  summaries,
		Dispatcher: dispatcher,
		Gateway:    gateway,
		JWTSecret:  cfg.JWTSecret,
		TokenTTL:   cfg.JWTTTL,
		Log:        log,
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.JWTSecret, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweep(ctx, manager, summaries, cfg.SweepInterval, log)
	}()

	go func() {
		log.Info("http server started", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	<-sweepDone
	if inline != nil {
		inline.Wait()
	}
	fwd.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}

// sweep closes sessions whose timeout passed without a new message arriving, and returns
// sessions left in summarizing by a dead attempt to closed.
func sweep(ctx context.Context, m *chat.Manager, summaries *chat.SummaryService, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.CloseExpired(ctx, sweepBatch); err != nil {
				log.Warn("close expired sessions", zap.Error(err))
			} else if n > 0 {
				log.Info("closed expired sessions", zap.Int("count", n))
			}
			if n, err := summaries.RecoverStale(ctx, sweepBatch); err != nil {
				log.Warn("recover stale summaries", zap.Error(err))
			} else if n > 0 {
				log.Info("recovered stale summaries", zap.Int("count", n))
			}
		}
	}
}
