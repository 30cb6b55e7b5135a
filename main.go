package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/storage/redis/v3"
	"github.com/hqnguyen/devguard/internal/audit"
	"github.com/hqnguyen/devguard/internal/authz"
	"github.com/hqnguyen/devguard/internal/certs"
	"github.com/hqnguyen/devguard/internal/common"
	"github.com/hqnguyen/devguard/internal/config"
	"github.com/hqnguyen/devguard/internal/devices"
	"github.com/hqnguyen/devguard/internal/handlers/api"
	"github.com/hqnguyen/devguard/internal/mail"
	"github.com/hqnguyen/devguard/internal/mfa"
	"github.com/hqnguyen/devguard/internal/middlewares"
	"github.com/hqnguyen/devguard/internal/middlewares/deviceguard"
	"github.com/hqnguyen/devguard/internal/middlewares/principal"
	"github.com/hqnguyen/devguard/internal/render"
	"github.com/hqnguyen/devguard/internal/risk"
	"github.com/hqnguyen/devguard/internal/store"
	"github.com/hqnguyen/devguard/model"
	"github.com/hqnguyen/devguard/params"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "devguard - zero-trust device authorization gateway"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Printf("devguard %s (%s)\n", gitCommit, gitDate)
				return nil
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := db.AutoMigrate(model.Models...); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

func mustInitMailSender(mailCfg config.MailConfig) mail.MailSender {
	if mailCfg.Backend == "" {
		log.Fatal("Missing mail sender backend")
	}
	if mailCfg.Backend == "smtp" {
		sender, err := mail.NewSMTPMailSender(mail.SMTPConfig{
			Host:     mailCfg.SMTP.Host,
			Port:     mailCfg.SMTP.Port,
			Username: mailCfg.SMTP.Username,
			Password: mailCfg.SMTP.Password,
			TLS:      mailCfg.SMTP.TLS,
			CertFile: mailCfg.SMTP.CertFile,
			KeyFile:  mailCfg.SMTP.KeyFile,
			CAFile:   mailCfg.SMTP.CAFile,
		}, mailCfg.From)
		if err != nil {
			log.Fatalf("Failed to initialize SMTP mail sender: %v", err)
		}
		return sender
	}
	log.Fatalf("Unsupported mail sender backend %s", mailCfg.Backend)
	return nil
}

func mustInitRedisStorage(redisCfg config.RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
}

// startExpirySweep transitions overdue ACTIVE devices to EXPIRED on a
// fixed interval until the context ends.
func startExpirySweep(ctx context.Context, lifecycle *devices.LifecycleService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := lifecycle.ExpireOverdue(ctx)
			if err != nil {
				slog.Error("Device expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				slog.Info("Expired overdue devices", "count", expired)
			}
		}
	}
}

func setupAPIRoutes(
	router fiber.Router,
	guardCfg config.GuardConfig,
	cookieSecure bool,
	lifecycleService *devices.LifecycleService,
	challengeService *mfa.ChallengeService,
	deviceRepo devices.DeviceRepository,
	riskRepo devices.RiskEventRepository,
	auditRepo audit.AuditEventRepository,
	accessRepo audit.AccessLogRepository,
) {
	var (
		deviceHandler = api.NewDeviceHandler(lifecycleService, challengeService, deviceRepo, guardCfg.CookieName, cookieSecure)
		adminHandler  = api.NewAdminHandler(lifecycleService, deviceRepo, riskRepo, auditRepo, accessRepo)
	)

	v1 := router.Group("/api/v1")
	v1.Post("/device/enroll", deviceHandler.PostEnroll)
	v1.Post("/device/mfa/verify", deviceHandler.PostVerifyMFA)
	v1.Post("/device/mfa/resend", deviceHandler.PostResendOTP)
	v1.Get("/device/status", deviceHandler.GetStatus)

	admin := v1.Group("/admin", principal.RequireRole(guardCfg.AdminRole))
	admin.Get("/devices", adminHandler.GetDevices)
	admin.Get("/devices/:id", adminHandler.GetDevice)
	admin.Post("/devices/:id/activate", adminHandler.PostActivate)
	admin.Post("/devices/:id/revoke", adminHandler.PostRevoke)
	admin.Post("/devices/:id/suspend", adminHandler.PostSuspend)
	admin.Post("/devices/:id/revalidate", adminHandler.PostRevalidate)
	admin.Post("/devices/:id/require-revalidation", adminHandler.PostRequireRevalidation)
	admin.Post("/devices/:id/rotate-token", adminHandler.PostRotateToken)
	admin.Post("/devices/:id/clear-lockout", adminHandler.PostClearLockout)
	admin.Get("/devices/:id/audit", adminHandler.GetDeviceAudit)
	admin.Get("/devices/:id/access-log", adminHandler.GetDeviceAccessLog)
	admin.Get("/devices/:id/risks", adminHandler.GetDeviceRisks)
	admin.Post("/risks/:id/ack", adminHandler.PostAcknowledgeRisk)
}

func run(ctx *cli.Context) error {
	config, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return err
	}

	mustInitLogger(config.Debug || ctx.IsSet(debugFlag.Name))

	globalVars := map[string]interface{}{
		"siteName": config.SiteName,
		"baseURL":  config.BaseURL,
	}
	if err := render.Initialize(globalVars, config.TemplateDir); err != nil {
		slog.Error("Failed to initialize templates", "error", err)
		return err
	}
	mailSender := mustInitMailSender(config.Mail)
	db := mustInitDatabase(config.MySQL)

	var (
		redisStorage *redis.Storage
		cacheStorage store.Storage
	)
	if config.Redis.URL != "" {
		redisStorage = mustInitRedisStorage(config.Redis)
		cacheStorage = store.NewRedisStorage(redisStorage.Conn())
	} else {
		slog.Warn("No redis configured, using in-process counter store")
		cacheStorage = store.NewMemoryStorage()
	}

	// repositories
	var (
		deviceRepo     = devices.NewDeviceRepository(db)
		riskRepo       = devices.NewRiskEventRepository(db)
		challengeRepo  = mfa.NewChallengeRepository(db)
		userFactorRepo = mfa.NewUserFactorRepository(db)
		auditRepo      = audit.NewAuditEventRepository(db)
		accessRepo     = audit.NewAccessLogRepository(db)
	)
	audit.Initialize(auditRepo, accessRepo)

	var issuer certs.Issuer
	if config.CA.URL != "" {
		issuer = certs.NewHTTPIssuer(config.CA.URL, config.CA.Token, config.CA.Timeout)
	}

	// services
	var (
		lifecycleService = devices.NewLifecycleService(deviceRepo, issuer, mailSender, devices.LifecycleConfig{
			LockoutThreshold: config.Guard.LockoutThreshold,
			LockoutDuration:  config.Guard.LockoutDuration,
			DeviceExpiry:     config.Guard.DeviceExpiry,
		})
		challengeService = mfa.NewChallengeService(challengeRepo, userFactorRepo, lifecycleService, mailSender, cacheStorage, mfa.ChallengeConfig{
			Issuer:        config.SiteName,
			ChallengeTTL:  config.Guard.ChallengeTTL,
			OTPMaxSends:   config.Guard.OTPMaxSends,
			OTPSendWindow: config.Guard.OTPSendWindow,
		})
		evaluator = risk.NewEvaluator(cacheStorage, lifecycleService, deviceRepo, riskRepo, risk.EvaluatorConfig{
			VelocityLimit: config.Guard.VelocityLimit,
		})
		classifier = authz.NewClassifier(
			config.Guard.ExemptPaths,
			config.Guard.HighSecurityPaths,
			config.Guard.RestrictedPaths,
			*config.Guard.ProtectRootPath,
		)
		facade = authz.NewFacade(classifier, deviceRepo, lifecycleService, evaluator, authz.FacadeConfig{
			RiskThreshold: config.Guard.RiskThreshold,
		})
	)

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler,
	})

	router.Use(recover.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(config.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	router.Use(principal.New(principal.Config{
		JWTSecret:  config.Session.JWTSecret,
		HeaderName: config.Session.HeaderName,
	}))
	router.Use(deviceguard.New(deviceguard.Config{
		Authorizer:   facade,
		CookieName:   config.Guard.CookieName,
		CookieSecure: !config.Debug,
		EnrollPath:   config.Guard.EnrollPath,
	}))

	setupAPIRoutes(
		router,
		config.Guard,
		!config.Debug,
		lifecycleService,
		challengeService,
		deviceRepo,
		riskRepo,
		auditRepo,
		accessRepo,
	)

	serverCtx, term := context.WithCancel(ctx.Context)
	go startExpirySweep(serverCtx, lifecycleService, config.Guard.ExpirySweep)

	done := make(chan struct{})
	var rdb goredis.UniversalClient
	if redisStorage != nil {
		rdb = redisStorage.Conn()
	}
	go common.StartHealthCheckServer(serverCtx, done, rdb, db)
	defer func() {
		term()
		<-done
	}()
	return router.Listen(config.ListenAddr)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
