package executor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stopguard/src/auth"
	"stopguard/src/config"
	"stopguard/src/connectors"
	"stopguard/src/controller"
	"stopguard/src/database"
	"stopguard/src/engine"
	"stopguard/src/executors"
	"stopguard/src/repository"
	"stopguard/src/risk"
	"stopguard/src/security"
	"stopguard/src/server"
)

// Executor runs the monitoring loops and the ops server until SIGINT or SIGTERM.
type Executor struct {
	// overrides POLICY_FILE when set
	ProfilePath string
}

func (t *Executor) Start() error {
	cfg := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	profile := t.ProfilePath
	if profile == "" {
		profile = cfg.PolicyFile
	}
	settings, err := config.Load(profile)
	if err != nil {
		logrus.WithError(err).Error("Invalid configuration")
		return err
	}

	gateway, err := NewGateway(ctx, cfg.StreamSymbols)
	if err != nil {
		return err
	}

	breaker := risk.NewCircuitBreaker(settings.Breaker)
	opts := []engine.Option{engine.WithBreaker(breaker)}

	var (
		exceptions controller.ExceptionStore
		history    *repository.ProtectiveLevelRepository
	)
	if database.GetConfig().EnableDB {
		if err := database.InitMainDB(); err != nil {
			logrus.WithError(err).Error("Failed to connect to main database")
			return err
		}

		results := repository.NewTradeResultRepository()
		profits, err := results.RecentProfits(ctx, risk.WindowSize)
		if err != nil {
			logrus.WithError(err).Warn("Could not restore circuit breaker window")
		} else {
			breaker.Restore(profits)
		}

		exceptionRepo := repository.NewExceptionRepository()
		exceptions = exceptionRepo
		history = repository.NewProtectiveLevelRepository()
		opts = append(opts,
			engine.WithAuditLog(history),
			engine.WithTradeResults(results),
		)
	}
	opts = append(opts, engine.WithExceptionReporter(
		controller.Reporter(exceptions, settings.Engine.ServiceName, "engine"),
	))

	eng := engine.New(gateway, settings.Engine, settings.Policy, opts...)

	srvCfg := server.GetConfig()
	router := server.NewRouter(server.Deps{
		Engine:    eng,
		Gateway:   gateway,
		Admission: controller.NewAdmission(eng, exceptions, settings.Engine.ServiceName),
		History:   history,
		Operators: auth.GetConfig().OperatorTokens,
	})

	logrus.WithFields(logrus.Fields{
		"service":  settings.Engine.ServiceName,
		"max_loss": settings.Policy.MaxLoss.String(),
		"db":       history != nil,
	}).Info("Starting stop-level monitor")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx, srvCfg.Port, router, srvCfg.ShutdownTimeout)
	})
	g.Go(func() error {
		return executors.StartMonitors(ctx, eng, executors.GetConfig())
	})
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("Monitor stopped with error")
		return err
	}
	return nil
}

// NewGateway builds the bridge client, decrypting the API secret when it is stored encrypted.
// With the tick stream enabled, quotes are served from the stream cache while fresh.
func NewGateway(ctx context.Context, symbols []string) (*connectors.BridgeClient, error) {
	bridgeCfg := connectors.GetConfig()
	if bridgeCfg.BridgeSecretEncrypted {
		secret, err := security.DecryptString(bridgeCfg.BridgeAPISecret)
		if err != nil {
			return nil, fmt.Errorf("decrypt bridge secret: %w", err)
		}
		bridgeCfg.BridgeAPISecret = secret
	}

	client := connectors.NewBridgeClient(bridgeCfg)
	if bridgeCfg.StreamEnabled {
		cache := connectors.NewQuoteCache(bridgeCfg.QuoteMaxAge)
		client = client.WithQuoteCache(cache)
		go connectors.NewQuoteStream(bridgeCfg, symbols, cache).Run(ctx)
	}
	return client, nil
}
