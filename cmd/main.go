package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"julianmorley.ca/con-plar/storefront/internal/router"
	"julianmorley.ca/con-plar/storefront/pkg/cart"
	"julianmorley.ca/con-plar/storefront/pkg/catalog"
	"julianmorley.ca/con-plar/storefront/pkg/checkout"
	"julianmorley.ca/con-plar/storefront/pkg/coupon"
	"julianmorley.ca/con-plar/storefront/pkg/events"
	"julianmorley.ca/con-plar/storefront/pkg/global"
	"julianmorley.ca/con-plar/storefront/pkg/identity"
	"julianmorley.ca/con-plar/storefront/pkg/logging"
	"julianmorley.ca/con-plar/storefront/pkg/metrics"
	"julianmorley.ca/con-plar/storefront/pkg/mongo"
	"julianmorley.ca/con-plar/storefront/pkg/orders"
	"julianmorley.ca/con-plar/storefront/pkg/payment"
	"julianmorley.ca/con-plar/storefront/pkg/redis"
	"julianmorley.ca/con-plar/storefront/pkg/repository"
	"julianmorley.ca/con-plar/storefront/pkg/settlement"
	"julianmorley.ca/con-plar/storefront/pkg/snapshot"
)

func main() {
	// A missing .env is normal in containers; the environment is used as is
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),
		injectInfra(),
		injectRepo(),
		injectService(),
		injectDelivery(),
		fx.Invoke(func(*http.Server) {}),
	).Run()
}

func injectInfra() fx.Option {
	return fx.Provide(
		global.LoadConfig,
		newLogger,
		newDatabase,
		newRedisClient,
		metrics.New,
		newPublisher,
		newVerifier,
	)
}

func injectRepo() fx.Option {
	return fx.Provide(
		fx.Annotate(
			mongo.NewStore,
			fx.As(new(repository.ProductRepository)),
			fx.As(new(repository.CouponRepository)),
			fx.As(new(repository.OrderRepository)),
			fx.As(new(repository.CartRepository)),
			fx.As(new(repository.CustomerRepository)),
			fx.As(new(repository.InventoryLogRepository)),
			fx.As(new(repository.SettlementFailureRepository)),
			fx.As(new(router.Pinger)),
		),
		newCachedCatalog,
	)
}

func injectService() fx.Option {
	return fx.Provide(
		newProcessor,
		newCodec,
		coupon.NewService,
		newCartService,
		newCatalogService,
		newCheckoutService,
		newReconciler,
		orders.NewService,
	)
}

func injectDelivery() fx.Option {
	return fx.Provide(
		router.NewEngine,
		newServer,
	)
}

func newLogger(cfg *global.Config) (*slog.Logger, error) {
	logger, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newDatabase(lc fx.Lifecycle, cfg *global.Config, logger *slog.Logger) (*mongodriver.Database, error) {
	client, db, err := mongo.InitMongoDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return mongo.EnsureIndexes(ctx, db, logger)
		},
		OnStop: func(ctx context.Context) error {
			return client.Disconnect(ctx)
		},
	})
	return db, nil
}

// newRedisClient never fails startup: a dead cache only costs latency
func newRedisClient(lc fx.Lifecycle, cfg *global.Config, logger *slog.Logger) *goredis.Client {
	client := redis.NewClient(cfg)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := redis.Ping(ctx, client); err != nil {
				logger.Warn("redis unavailable, product reads go to MongoDB", "error", err)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func newCachedCatalog(products repository.ProductRepository, client *goredis.Client, cfg *global.Config, logger *slog.Logger) *redis.CachedCatalog {
	return redis.NewCachedCatalog(products, redis.NewProductCache(client, cfg.Redis.ProductTTL), logger)
}

func newPublisher(lc fx.Lifecycle, cfg *global.Config, logger *slog.Logger) events.Publisher {
	publisher := events.NewPublisher(cfg, logger)
	lc.Append(fx.StopHook(publisher.Close))
	return publisher
}

func newVerifier(cfg *global.Config) (*identity.Verifier, error) {
	return identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AdminEmail)
}

// newProcessor also returns the mock, nil under Stripe, so the router can
// expose the local payment simulation route.
func newProcessor(cfg *global.Config, logger *slog.Logger) (payment.Processor, *payment.MockProcessor) {
	if cfg.Payment.Provider == global.PaymentProviderMock {
		logger.Warn("using mock payment processor")
		mock := payment.NewMockProcessor(cfg.Payment.WebhookSecret)
		return mock, mock
	}
	return payment.NewStripeProcessor(cfg.Payment.SecretKey, cfg.Payment.WebhookSecret, logger), nil
}

func newCodec(cfg *global.Config) *snapshot.Codec {
	return snapshot.NewCodec(cfg.Checkout.SnapshotSigningKey)
}

func newCartService(carts repository.CartRepository, catalog *redis.CachedCatalog, logger *slog.Logger) *cart.Service {
	return cart.NewService(carts, catalog, logger)
}

func newCatalogService(
	products repository.ProductRepository,
	cached *redis.CachedCatalog,
	inventory repository.InventoryLogRepository,
	logger *slog.Logger,
) *catalog.Service {
	return catalog.NewService(products, cached, cached, inventory, logger)
}

func newCheckoutService(
	cfg *global.Config,
	products repository.ProductRepository,
	customers repository.CustomerRepository,
	coupons *coupon.Service,
	processor payment.Processor,
	codec *snapshot.Codec,
	m *metrics.Metrics,
	logger *slog.Logger,
) *checkout.Service {
	return checkout.NewService(products, customers, coupons, processor, codec, m, logger, checkout.Options{
		Shipping:         cfg.Checkout.ShippingFlatRate,
		Currency:         cfg.Payment.Currency,
		ProcessorTimeout: cfg.Payment.Timeout,
	})
}

type reconcilerParams struct {
	fx.In

	Config    *global.Config
	Processor payment.Processor
	Coupons   repository.CouponRepository
	Orders    repository.OrderRepository
	Failures  repository.SettlementFailureRepository
	Cache     *redis.CachedCatalog
	Codec     *snapshot.Codec
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func newReconciler(p reconcilerParams) *settlement.Reconciler {
	return settlement.NewReconciler(p.Processor, settlement.Stores{
		Orders:   p.Orders,
		Coupons:  p.Coupons,
		Failures: p.Failures,
	}, p.Cache, p.Codec, p.Publisher, p.Metrics, p.Logger, settlement.Options{
		Lease:   p.Config.Checkout.SettlementLease,
		Timeout: p.Config.Checkout.SettlementTimeout,
	})
}

func newServer(lc fx.Lifecycle, cfg *global.Config, engine *gin.Engine, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %s", srv.Addr)
			}
			logger.Info("server is running", "port", cfg.Port, "env", cfg.Env)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}
