package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"hasirumitra/internal/config"
	"hasirumitra/internal/handlers"
	"hasirumitra/internal/ratelimit"
	"hasirumitra/internal/repositories"
	"hasirumitra/internal/routes"
	"hasirumitra/internal/services"
	"hasirumitra/internal/utils"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "hasirumitra/docs"
)

func Run() {
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatal("config: ", err)
	}

	// === DB ===
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("db open: ", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("db close: %v", err)
		}
	}()

	// === Redis ===
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// === Repos ===
	identityRepo := repositories.NewIdentityRepository(db)
	codeRepo := repositories.NewVerificationCodeRepository(db)
	linkRepo := repositories.NewTelegramLinkRepository(db)

	// === Services ===
	limiter := ratelimit.New(rdb)
	otpService := services.NewOTPService(codeRepo, limiter, services.OTPConfig{
		Digits:        cfg.OTP.Digits,
		TTL:           cfg.OTPTTL(),
		MaxAttempts:   cfg.OTP.MaxAttempts,
		AttemptWindow: cfg.AttemptWindow(),
		MaxSends:      cfg.OTP.MaxSendsPerWindow,
		SendWindow:    cfg.SendWindow(),
	}, utils.NewNumericCode)

	tokenService, err := services.NewTokenService(services.TokenConfig{
		AccessSecret:  []byte(cfg.JWT.AccessSecret),
		RefreshSecret: []byte(cfg.JWT.RefreshSecret),
		AccessTTL:     cfg.AccessTTL(),
		RefreshTTL:    cfg.RefreshTTL(),
	}, identityRepo)
	if err != nil {
		log.Fatal("token service: ", err)
	}

	smsClient := utils.NewSMSClient(cfg.SMS.APIKey, cfg.SMS.SenderID, cfg.SMS.DryRun)
	var gateway services.DeliveryGateway = services.NewSMSGateway(smsClient)
	var replier handlers.TelegramReplier
	if cfg.Telegram.Enabled {
		tg, err := services.NewTelegramGateway(cfg.Telegram.BotToken, linkRepo, gateway)
		if err != nil {
			log.Printf("telegram gateway disabled: %v", err)
		} else {
			gateway = tg
			replier = tg
		}
	}

	var emailService services.EmailService
	if cfg.Email.SMTPHost != "" {
		emailService = services.NewEmailService(
			cfg.Email.SMTPHost,
			cfg.Email.SMTPPort,
			cfg.Email.SMTPUser,
			cfg.Email.SMTPPassword,
			cfg.Email.FromEmail,
		)
	}

	authService := services.NewAuthService(identityRepo, otpService, tokenService, gateway, emailService)

	// === Handlers ===
	authHandler := handlers.NewAuthHandler(authService)
	adminHandler := handlers.NewAdminHandler(authService)
	telegramHandler := handlers.NewTelegramHandler(linkRepo, replier)

	// === Sweeper ===
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepExpiredCodes(sweepCtx, otpService, cfg.SweepInterval())

	// === Gin ===
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Swagger
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	routes.SetupRoutes(router, tokenService, authHandler, adminHandler, telegramHandler)

	// === Run ===
	listenAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("listening on %s", listenAddr)
	if err := router.Run(listenAddr); err != nil {
		log.Fatal("server: ", err)
	}
}

// sweepExpiredCodes is hygiene only: reads already treat expired rows as
// absent, the sweep just keeps the table small.
func sweepExpiredCodes(ctx context.Context, otp *services.OTPService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := otp.SweepExpired(sctx)
			cancel()
			if err != nil {
				log.Printf("[sweep] purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[sweep] purged %d expired codes", n)
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
