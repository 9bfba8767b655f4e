package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/ImageForge/internal/api"
	"github.com/digkill/ImageForge/internal/config"
	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/fulfillment"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/queue"
	"github.com/digkill/ImageForge/internal/repository"
	"github.com/digkill/ImageForge/internal/service"
	"github.com/digkill/ImageForge/internal/storage"
	"github.com/digkill/ImageForge/internal/telegram"
	"github.com/digkill/ImageForge/pkg/logger"
)

const linkTokenTTL = 15 * time.Minute

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", true, "Apply the schema before serving")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, queue processor and scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logr := logger.New(cfg.LogLevel)

	ctx, stop := signalContext(cmd)
	defer stop()

	db, err := database.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()

	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("database migrate: %w", err)
		}
	}

	prices, err := newPriceProvider(cfg, db, logr)
	if err != nil {
		return err
	}

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
		PresignTTL:    cfg.S3PresignTTL,
	})
	if err != nil {
		return fmt.Errorf("storage uploader: %w", err)
	}

	fulfiller := fulfillment.NewClient(fulfillment.Config{
		APIKey:       cfg.FulfillmentAPIKey,
		BaseURL:      cfg.FulfillmentBaseURL,
		PollInterval: cfg.FulfillmentPollInterval,
	}, logr)

	accountRepo := repository.NewAccountRepository(db)
	jobRepo := repository.NewJobRepository(db)
	planRepo := repository.NewPlanRepository(db)

	ledger := service.NewLedgerService(db, accountRepo, repository.NewLedgerRepository(db), prices, service.LedgerConfig{
		RegistrationBonus: cfg.RegistrationBonus,
		DailyReward:       cfg.DailyReward,
	}, logr)

	var (
		notifier   service.Notifier = service.NopNotifier{}
		bot        *telegram.Bot
		linkTokens *telegram.LinkTokens
	)
	if cfg.TelegramBotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		linkTokens = telegram.NewLinkTokens(cfg.JWTSecret, linkTokenTTL)
		bot = telegram.NewBot(botAPI, ledger, linkTokens, logr)
		notifier = bot
	} else {
		logr.Info("TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	jobs := service.NewJobService(db, ledger, jobRepo, repository.NewLeaseRepository(db), prices, fulfiller, notifier, service.JobConfig{
		Timeout:  cfg.FulfillmentTimeout,
		LeaseTTL: cfg.EditLeaseTTL,
	}, logr)
	watermarks := service.NewWatermarkService(db, ledger, repository.NewWatermarkRepository(db), prices, notifier, service.WatermarkConfig{
		MaxBatch:   cfg.WatermarkMaxBatch,
		StaleAfter: cfg.QueueStaleAfter,
	}, logr)
	disputes := service.NewDisputeService(db, ledger, jobRepo, repository.NewAppealRepository(db), notifier, logr)
	redemptions := service.NewRedemptionService(db, ledger, repository.NewRedemptionRepository(db), logr)
	plans := service.NewPlanService(db, planRepo)
	payments := service.NewPaymentService(db, ledger, repository.NewPaymentRepository(db), plans, service.PaymentConfig{
		ShopID:    cfg.YooKassaShopID,
		SecretKey: cfg.YooKassaSecretKey,
		ReturnURL: cfg.YooKassaReturnURL,
		BaseURL:   cfg.YooKassaBaseURL,
	}, logr)

	trigger := queue.NewTrigger(logr)
	if cfg.RedisAddr != "" {
		rdb := queue.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rdb.Close()
		trigger.WithRedis(rdb, queue.DefaultChannel)
	}
	watermarks.SetWaker(trigger)

	processor := queue.NewProcessor(watermarks, fulfiller, trigger, queue.Config{
		Concurrency: cfg.WatermarkConcurrency,
		Tick:        cfg.QueueTick,
		TaskTimeout: cfg.FulfillmentTimeout,
	}, logr, jobs)

	server := api.NewServer(api.Config{
		Addr:               cfg.HTTPListenAddr,
		AdminUsername:      cfg.AdminUsername,
		AdminPassword:      cfg.AdminPassword,
		JWTSecret:          cfg.JWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WriteTimeout:       cfg.FulfillmentTimeout + time.Minute,
	}, api.Services{
		Ledger:      ledger,
		Jobs:        jobs,
		Watermarks:  watermarks,
		Disputes:    disputes,
		Redemptions: redemptions,
		Plans:       plans,
		Payments:    payments,
		Pricing:     prices,
		Uploads:     uploader,
		LinkTokens:  linkTokens,
	}, logr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return trigger.Listen(gctx) })
	if bot != nil {
		g.Go(func() error { return bot.Run(gctx) })
	}

	err = g.Wait()
	logr.Info("shutdown complete")
	return err
}

func newPriceProvider(cfg config.Config, db *database.DB, logr *slog.Logger) (*pricing.Provider, error) {
	var defaults map[string]int64
	if cfg.PricingDefaultsFile != "" {
		var err error
		defaults, err = pricing.LoadDefaults(cfg.PricingDefaultsFile)
		if err != nil {
			return nil, fmt.Errorf("pricing defaults: %w", err)
		}
	}
	return pricing.NewProvider(db, repository.NewPricingRepository(db), cfg.PricingTTL, defaults, logr), nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
