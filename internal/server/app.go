// Package server initializes and runs the authentication server: it opens
// the database, applies migrations, wires the rate limiters and the auth
// service, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	grpclib "google.golang.org/grpc"

	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/ratelimit"
	"github.com/dmitrijs2005/authkeeper/internal/server/config"
	authgrpc "github.com/dmitrijs2005/authkeeper/internal/server/grpc"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authkeeper/internal/server/services"
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	db          *sql.DB
	authService *services.AuthService

	// registerGRPC hooks service implementations onto the gRPC server
	// before it starts listening.
	registerGRPC []func(*grpclib.Server)
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	manager := repomanager.NewPostgresRepositoryManager()
	if err := manager.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	limiters, err := buildLimiters(cfg)
	if err != nil {
		return nil, err
	}

	authService := services.NewAuthService(db, manager, cfg, logger, limiters)

	return &App{config: cfg, logger: logger, db: db, authService: authService}, nil
}

// buildLimiters selects the rate-limit backend: a shared Redis store when
// RedisAddr is set, otherwise per-process in-memory limiters. Each protected
// operation gets its own instance so the windows never mix.
func buildLimiters(cfg *config.Config) (services.Limiters, error) {
	if cfg.RedisAddr == "" {
		return services.Limiters{
			Login:         ratelimit.NewMemoryLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow),
			Verification:  ratelimit.NewMemoryLimiter(cfg.VerificationMaxAttempts, cfg.VerificationWindow),
			PasswordReset: ratelimit.NewMemoryLimiter(cfg.PasswordResetMaxAttempts, cfg.PasswordResetWindow),
		}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return services.Limiters{
		Login:         ratelimit.NewRedisLimiter(client, "rl:login", cfg.LoginMaxAttempts, cfg.LoginWindow),
		Verification:  ratelimit.NewRedisLimiter(client, "rl:verification", cfg.VerificationMaxAttempts, cfg.VerificationWindow),
		PasswordReset: ratelimit.NewRedisLimiter(client, "rl:reset", cfg.PasswordResetMaxAttempts, cfg.PasswordResetWindow),
	}, nil
}

// AuthService exposes the wired service to transports and tooling.
func (app *App) AuthService() *services.AuthService {
	return app.authService
}

// RegisterGRPC queues a hook that registers service implementations on the
// gRPC server. Call before Run.
func (app *App) RegisterGRPC(fn func(*grpclib.Server)) {
	app.registerGRPC = append(app.registerGRPC, fn)
}

// ProtectedMethods lists the full gRPC method names that require a valid
// access token.
var ProtectedMethods = map[string]bool{
	"/authkeeper.AuthService/Logout": true,
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	listener, err := net.Listen("tcp", app.config.EndpointAddrGRPC)
	if err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return
	}

	interceptor := authgrpc.AccessTokenInterceptor([]byte(app.config.SecretKey), ProtectedMethods)
	srv := grpclib.NewServer(grpclib.ChainUnaryInterceptor(interceptor))
	for _, fn := range app.registerGRPC {
		fn(srv)
	}

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	app.logger.Info(ctx, "grpc server listening", "addr", app.config.EndpointAddrGRPC)
	if err := srv.Serve(listener); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.Close(shutdownCtx)
}

// Close releases the database pool.
func (app *App) Close(ctx context.Context) {
	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
}
