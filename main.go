package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendsync/api/rest"
	"github.com/kasuganosora/friendsync/api/sse"
	"github.com/kasuganosora/friendsync/archive"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/config"
	dbadapter "github.com/kasuganosora/friendsync/db"
	mw "github.com/kasuganosora/friendsync/middleware"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/notify"
	"github.com/kasuganosora/friendsync/relation"
	"github.com/kasuganosora/friendsync/scheduler"
	"github.com/kasuganosora/friendsync/store"
	"github.com/kasuganosora/friendsync/store/dynamo"
	"github.com/kasuganosora/friendsync/store/memory"
	"github.com/kasuganosora/friendsync/store/sqlstore"
	"github.com/kasuganosora/friendsync/users"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// Warn loudly if admin endpoints will be disabled.
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Record Store ----
	st, err := openStore(ctx, cfg.Store, db, logger)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	logger.Info("Record store initialized", zap.String("backend", cfg.Store.Backend))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Services ----
	dir := users.NewDirectory(st)
	archiver := archive.New(st, archive.NewIndex(st), c, cfg.Archive.BatchSize, logger)
	queue := relation.NewRepairQueue(c)
	svc := relation.NewService(st, relation.Deps{
		Users:    dir,
		Archiver: archiver,
		Notifier: notify.New(pubsub, logger),
		Auditor:  auditSvc,
		Queue:    queue,
	}, relation.Options{
		TransitionTimeout: cfg.Relation.TransitionTimeout,
		EffectTimeout:     cfg.Relation.EffectTimeout,
		RepairBatch:       cfg.Relation.RepairBatch,
	}, logger)

	// ---- Periodic Scheduler Tasks ----
	sched := scheduler.New(logger)
	sched.AddTicker("relation_repair", cfg.Relation.RepairInterval, func(ctx context.Context) error {
		n, err := svc.RepairPending(ctx)
		if n > 0 {
			logger.Info("pending repairs drained", zap.Int("count", n))
		}
		return err
	})
	sched.AddTicker("archive_retry", cfg.Archive.RetryInterval, func(ctx context.Context) error {
		n, err := archiver.RetryPending(ctx)
		if n > 0 {
			logger.Info("archive jobs retried", zap.Int("count", n))
		}
		return err
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	relH := rest.NewRelationshipHandler(svc, logger)
	adminH := rest.NewAdminHandler(svc, dir, queue, sched, logger)

	api := r.Group("/api")
	{
		relG := api.Group("/relationships")
		relG.Use(mw.Auth(cfg.Security))
		relG.GET("", relH.List)
		relG.POST("/requests", relH.SendRequest)
		relG.POST("/requests/:key/accept", relH.Accept)
		relG.POST("/requests/:key/reject", relH.Reject)
		relG.DELETE("/friends/:id", relH.Unfriend)
		relG.POST("/blocks/:id", relH.Block)
		relG.DELETE("/blocks/:id", relH.Unblock)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPAllowlist(cfg.Server.AdminIPs), mw.AdminKey(cfg.Server.AdminKey))
		adminG.GET("/status", adminH.Status)
		adminG.GET("/consistency/:a/:b", adminH.Consistency)
		adminG.POST("/repair/:a/:b", adminH.Repair)
		adminG.GET("/relationships/:key/events", adminH.Events)
		adminG.POST("/users", adminH.RegisterUser)
	}

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relation.EffectTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	svc.Wait()
	auditSvc.Stop(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig, db *gorm.DB, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(cfg.MaxAttempts), nil
	case "sql", "":
		return sqlstore.New(db, cfg.MaxAttempts, logger), nil
	case "dynamo":
		dcfg := dynamo.Config{
			Table:       cfg.DynamoTable,
			Region:      cfg.DynamoRegion,
			Endpoint:    cfg.DynamoEndpoint,
			MaxAttempts: cfg.MaxAttempts,
		}
		client, err := dynamo.NewClient(ctx, dcfg)
		if err != nil {
			return nil, err
		}
		return dynamo.New(client, dcfg, logger), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
