package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/capgate/internal/connector"
	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/infra"
	"github.com/xela07ax/capgate/internal/infra/auth"
	"github.com/xela07ax/capgate/internal/ledger"
	"github.com/xela07ax/capgate/internal/metrics"
	"github.com/xela07ax/capgate/internal/policy"
	"github.com/xela07ax/capgate/internal/proposal"
	"github.com/xela07ax/capgate/internal/quota"
	"github.com/xela07ax/capgate/internal/registry"
	"github.com/xela07ax/capgate/internal/repository/memory"
	"github.com/xela07ax/capgate/internal/repository/postgres"
	"github.com/xela07ax/capgate/internal/runner"
	"github.com/xela07ax/capgate/internal/scorecard"
	"github.com/xela07ax/capgate/internal/server"
	"github.com/xela07ax/capgate/internal/snapshot"
)

// storage — объединение репозиторных контрактов, которые реализуют
// и postgres.Repo, и memory.Store.
type storage interface {
	proposal.Repository
	ledger.StorageInterface
	policy.KillSwitchRepository
	policy.ExemptionRepository
	quota.Repository
	auth.UserProvider
}

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Персистентность: Postgres в проде, RAM в single-binary режиме
	var (
		repo    storage
		pgClose func()
	)
	if cfg.Database.URL != "" {
		pg, err := postgres.NewRepo(appCtx, cfg.Database.URL)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		if err := pg.Ping(appCtx); err != nil {
			logger.Fatal("postgres is unreachable", zap.Error(err))
		}
		repo = pg
		pgClose = pg.Close
		logger.Info("storage: postgres")
	} else {
		mem := memory.NewStore()
		seedDevUser(mem, logger)
		repo = mem
		logger.Warn("storage: in-memory (no database.url configured, state is volatile)")
	}

	// Redis опционален: без него fan-out политик между инстансами не работает
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(appCtx).Err(); err != nil {
			logger.Fatal("redis is unreachable", zap.Error(err))
		}
	}

	// 3. Журнал аудита: неблокирующая запись пачками
	auditLog := ledger.New(repo, cfg.Audit.BufferSize, logger)
	auditLog.Start(cfg.Audit.FlushInterval)

	var signingKey []byte
	if cfg.Audit.SignExports {
		signingKey = []byte(cfg.Audit.SigningKey)
	}
	exporter := ledger.NewExporter(auditLog, signingKey)

	// 4. Каталог capability
	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		logger.Fatal("catalog load failed", zap.Error(err))
	}
	logger.Info("catalog loaded", zap.Int("capabilities", reg.Len()))

	// 5. Политика: kill-switch + exemptions + деградированный режим
	store := policy.NewStore(repo, rdb, auditLog, logger)
	if err := store.Init(appCtx); err != nil {
		logger.Fatal("policy init failed", zap.Error(err))
	}
	go store.StartListener(appCtx)

	exemptions := policy.NewExemptions(repo, rdb, auditLog, logger)
	quotas := quota.NewManager(repo, auditLog, logger)
	engine := policy.NewEngine(store, exemptions, quotas, auditLog, logger)

	// 6. Метрики
	promReg := prometheus.NewRegistry()
	mset := metrics.NewMetrics(promReg)

	// 7. Коннекторы: gRPC адаптер + предохранитель на каждый endpoint
	set := connector.NewSet()
	readOnly := make(map[string]bool, len(cfg.Connector.ReadOnly))
	for _, id := range cfg.Connector.ReadOnly {
		readOnly[id] = true
	}
	var conns []*grpc.ClientConn
	for id, addr := range cfg.Connector.Endpoints {
		cc, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Fatal("connector dial failed",
				zap.String("connector", id), zap.String("addr", addr), zap.Error(err))
		}
		conns = append(conns, cc)

		guarded := connector.NewGuarded(
			connector.NewGRPCConnector(id, cc),
			connector.GuardSettings{
				ReadOnly:      readOnly[id],
				CallTimeout:   cfg.Connector.CallTimeout,
				CBMaxRequests: cfg.Connector.CBMaxRequests,
				CBInterval:    cfg.Connector.CBInterval,
				CBTimeout:     cfg.Connector.CBTimeout,
				CBFailures:    cfg.Connector.CBFailures,
			},
			logger,
			func(name string, open bool) {
				state := 0.0
				if open {
					state = 1.0
				}
				mset.CircuitBreakerState.WithLabelValues(name).Set(state)
			},
		)
		set.Register(guarded)
	}
	defer func() {
		for _, cc := range conns {
			cc.Close()
		}
	}()

	prober := connector.NewProber(set, cfg.Connector.ProbeInterval, cfg.Connector.ProbeTimeout, logger)
	go prober.Run(appCtx)

	// 8. Предложения и исполнение
	proposals := proposal.NewService(repo, reg, auditLog, logger)
	run := runner.New(repo, reg, engine, set, nil, auditLog, logger)

	// 9. Read-model и скоркард
	builder := snapshot.NewBuilder(reg, store, exemptions, prober, proposals, quotas, logger)
	go builder.Run(appCtx, cfg.Scorecard.Interval)

	keeper := scorecard.NewKeeper(builder, auditLog, cfg.Scorecard.Interval, cfg.Scorecard.HealthyThreshold, logger)
	go keeper.Run(appCtx)

	// Фоновые датчики: буфер аудита и здоровье коннекторов
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				mset.AuditBufferFill.Set(float64(auditLog.Pending()))
				for _, h := range prober.Snapshot() {
					up := 0.0
					if h.OK {
						up = 1.0
					}
					mset.ConnectorUp.WithLabelValues(h.ID).Set(up)
				}
			}
		}
	}()

	// 10. Аутентификация: RS256 проверка + выдача токенов
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("auth public key parse failed", zap.Error(err))
	}
	validator := auth.NewBaseValidator(pubKey)

	var authSvc *auth.Service
	if len(cfg.Auth.PrivateKey) > 0 {
		privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
		if err != nil {
			logger.Fatal("auth private key parse failed", zap.Error(err))
		}
		authSvc = auth.NewService(repo, privKey, "capgate", cfg.Auth.TokenTTL)
	} else {
		// Инстанс без закрытого ключа токены не выдает, только проверяет
		logger.Warn("auth private key is not configured, /auth/token is disabled")
		authSvc = auth.NewService(repo, nil, "capgate", cfg.Auth.TokenTTL)
	}

	drills := server.NewDrills(set, prober, reg, run, auditLog, logger)

	// 11. HTTP-поверхность
	api := server.New(server.Deps{
		Config:     cfg,
		Logger:     logger,
		Validator:  validator,
		AuthSvc:    authSvc,
		Registry:   reg,
		Resolver:   run,
		Proposals:  proposals,
		Runner:     run,
		Store:      store,
		Exemptions: exemptions,
		Quotas:     quotas,
		Ledger:     auditLog,
		Exporter:   exporter,
		Snapshots:  builder,
		Scorecard:  keeper,
		Drills:     drills,
		Metrics:    mset,
		MetricsH:   promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 12. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("capability gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("capability gateway stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	cancel()
	// Журнал закрывается последним: дописываем все, что успели принять
	auditLog.Stop()
	if pgClose != nil {
		pgClose()
	}
	logger.Info("capability gateway exited properly")
}

// seedDevUser заводит оператора в RAM-режиме, чтобы /auth/token работал без БД.
// Пароль берется только из ENV: захардкоженных кредов нет.
func seedDevUser(mem *memory.Store, logger *zap.Logger) {
	password := os.Getenv("GATEWAY_DEV_PASSWORD")
	if password == "" {
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Warn("dev user seed failed", zap.Error(err))
		return
	}
	mem.PutUser(&domain.User{
		ID:           "dev-admin",
		Username:     "admin",
		PasswordHash: string(hash),
		TenantID:     "dev",
		ActorType:    domain.ActorStaff,
		Scopes:       map[string]bool{"staff": true},
		CreatedAt:    time.Now().UTC(),
	})
	logger.Info("dev operator seeded", zap.String("username", "admin"))
}
