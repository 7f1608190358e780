// Command authd runs the Casavia authentication service: HTTP API, Redis
// session and limiter state, Postgres accounts.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/casavia/authcore"
	"github.com/casavia/authcore/credential"
	"github.com/casavia/authcore/httpapi"
	"github.com/casavia/authcore/mail"
	"github.com/casavia/authcore/ratelimit"
	"github.com/casavia/authcore/resetsession"
	"github.com/casavia/authcore/session"
	"github.com/casavia/authcore/user"
)

type config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	Production  bool   `env:"PRODUCTION" envDefault:"false"`
	DatabaseURL string `env:"DATABASE_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// SecretKeyHex is the hex-encoded 32-byte key protecting second-factor
	// material at rest.
	SecretKeyHex string `env:"SECRET_KEY,required"`
	Issuer       string `env:"TOTP_ISSUER" envDefault:"Casavia"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPass     string `env:"SMTP_PASS"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"Casavia"`
	SMTPUseTLS   bool   `env:"SMTP_USE_TLS" envDefault:"false"`

	// BreachCheckURL points at a Have I Been Pwned compatible range API.
	// Empty disables breach screening.
	BreachCheckURL string `env:"BREACH_CHECK_URL" envDefault:"https://api.pwnedpasswords.com"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Production)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("authd", zap.Error(err))
	}
}

func newLogger(production bool) (*zap.Logger, error) {
	if production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(cfg config, logger *zap.Logger) error {
	ctx := context.Background()

	secretKey, err := hex.DecodeString(cfg.SecretKeyHex)
	if err != nil || len(secretKey) != 32 {
		return fmt.Errorf("SECRET_KEY must be 64 hex characters")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer pool.Close()

	users := user.NewPostgresStore(pool)
	if err := users.Migrate(ctx); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	var sender mail.Sender = mail.NewLogSender(logger)
	if cfg.SMTPHost != "" {
		smtp, err := mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser,
			cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS)
		if err != nil {
			return err
		}
		sender = smtp
	}

	var breaches credential.BreachChecker
	if cfg.BreachCheckURL != "" {
		breaches = credential.NewPwnedPasswords(nil, cfg.BreachCheckURL)
	}

	engineCfg := authcore.DefaultConfig()
	engineCfg.Issuer = cfg.Issuer
	engineCfg.SecretKey = secretKey

	limits := ratelimit.NewRedisStore(redisClient, "rl")
	engine, err := authcore.New(engineCfg, authcore.Deps{
		Users:         users,
		Sessions:      session.NewStore(redisClient, "cs"),
		ResetSessions: resetsession.NewStore(redisClient, "cpr"),
		Limits:        limits,
		Mail:          sender,
		Breaches:      breaches,
		AuditSink:     authcore.NewZapSink(logger.Named("audit")),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	handler := httpapi.NewHandler(engine, limits, logger, httpapi.Options{
		Production: cfg.Production,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
