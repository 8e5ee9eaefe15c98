package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"merchrewards/auth"
	"merchrewards/claims"
	"merchrewards/config"
	"merchrewards/eligibility"
	"merchrewards/guard"
	"merchrewards/models"
	"merchrewards/observability"
	"merchrewards/observability/logging"
	"merchrewards/permit"
	"merchrewards/reconcile"
	"merchrewards/server"
	"merchrewards/settle"
	"merchrewards/signer"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logging.Setup("rewardsd", os.Getenv("REWARDS_ENV"), logging.Options{FilePath: cfg.LogFilePath})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	sgn, err := signer.NewFromHex(cfg.SigningKey)
	if err != nil {
		log.Fatalf("signing key error: %v", err)
	}

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("policy error: %v", err)
	}

	domain := permit.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: cfg.ContractAddress,
	}
	store := claims.NewStore(db, nil)
	metrics := observability.Claims()

	reconciler := reconcile.New(reconcile.Config{
		DB:            db,
		Claims:        store,
		SignerAddress: sgn.Address(),
		Domain:        domain,
		Metrics:       metrics,
	})

	var eligClient *eligibility.Client
	if cfg.EligibilityBaseURL != "" {
		eligClient, err = eligibility.NewClient(eligibility.Config{
			BaseURL:  cfg.EligibilityBaseURL,
			APIKey:   cfg.EligibilityAPIKey,
			Timeout:  cfg.EligibilityTimeout,
			MinScore: cfg.EligibilityMin,
		})
		if err != nil {
			log.Fatalf("eligibility client error: %v", err)
		}
	}

	var executor *settle.Executor
	if cfg.ExecutionBaseURL != "" {
		execClient, err := settle.NewHTTPClient(settle.ClientConfig{
			BaseURL:       cfg.ExecutionBaseURL,
			APIKey:        cfg.ExecutionAPIKey,
			Timeout:       cfg.ExecutionTimeout,
			RatePerSecond: cfg.ExecutionRate,
		})
		if err != nil {
			log.Fatalf("execution client error: %v", err)
		}
		executor = settle.NewExecutor(store, execClient, reconciler,
			settle.WithTimeout(cfg.ExecutionTimeout),
			settle.WithMetrics(metrics),
		)
	}

	srv := server.New(server.Config{
		DB:          db,
		Claims:      store,
		Issuer:      &permit.Issuer{Signer: sgn, Domain: domain, PermitTTL: cfg.PermitTTL},
		Guard:       guard.New(db),
		Reconciler:  reconciler,
		Executor:    executor,
		Eligibility: eligClient,
		Policy:      policy,
		Domain:      domain,
		TokenAddr:   cfg.TokenAddress,
		Auth: auth.Options{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		},
		Metrics: metrics,
	})

	sweeper := reconcile.NewSweeper(reconcile.SweeperConfig{
		Claims:   store,
		Interval: cfg.ExpirySweepPeriod,
	})
	go sweeper.Start(context.Background())

	addr := ":" + cfg.Port
	slog.Info("starting rewardsd", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
