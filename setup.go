package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/cipher"
	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type App struct {
	HTTPServer   *http.Server
	GRPCServer   *grpc.Server
	HealthServer *grpchealth.Server

	DynamoDB *dynamodb.Client
	S3       *s3.Client
	Sqs      *sqs.Client
	Redis    *redis.Client

	Config    config.Config
	AwsConfig aws.Config
	Key       *cipher.Key

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger
}

// SetupApp builds every dependency without starting anything. secret is
// moved into locked memory and wiped.
func SetupApp(cfg config.Config, secret []byte) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	key, err := cipher.NewKey(secret)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env)).
		With("service", cfg.ServiceName)

	app := &App{
		Config: cfg,
		Key:    key,
		Logger: appLogger,
	}

	if cfg.NeedsAWS() {
		awsCfg, err := initAWS(cfg.AWS)
		if err != nil {
			key.Destroy()
			return nil, err
		}
		app.AwsConfig = awsCfg

		if cfg.Storage == config.StorageS3 {
			app.S3 = initS3(awsCfg, cfg.AWS)
		}
		if cfg.Sessions == config.SessionsDynamoDB {
			app.DynamoDB = initDynamo(awsCfg, cfg.AWS)
		}
		if cfg.AWS.QueueURL != "" {
			app.Sqs = initSqs(awsCfg, cfg.AWS)
		}
	}

	if cfg.RedisAddr != "" {
		app.Redis = initRedis(cfg.RedisAddr)
	}

	if cfg.Tracing {
		tp, err := tracing.InitTracer(context.Background(), cfg.ServiceName, cfg.TracingAddr)
		if err != nil {
			key.Destroy()
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)
		app.TracerProvider = tp
	}

	svcs, err := BuildServices(app)
	if err != nil {
		key.Destroy()
		return nil, err
	}
	app.Services = svcs

	return app, nil
}

// Run serves HTTP (and the gRPC health service when configured) until ctx
// is done or a server fails.
func (a *App) Run(ctx context.Context) error {
	router, err := handlers.NewRouter(handlers.RouterConfig{
		ServiceName:    a.Config.ServiceName,
		CORSOrigins:    a.Config.CORSOrigins,
		TrustedProxies: a.Config.TrustedProxies,
		Tracing:        a.Config.Tracing,
		Debug:          a.Config.Env == "dev",
	}, a.Services.UploadHandler, a.Services.HealthHandler)
	if err != nil {
		return err
	}
	handler, err := handlers.Compress(router)
	if err != nil {
		return err
	}

	a.HTTPServer = &http.Server{
		Addr:              a.Config.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	a.Services.Start()

	errCh := make(chan error, 2)

	if a.Config.HealthAddr != "" {
		l, err := net.Listen("tcp", a.Config.HealthAddr)
		if err != nil {
			return err
		}
		a.GRPCServer = grpc.NewServer()
		a.createHealthServer(ctx)

		go func() {
			a.Logger.Info("grpc health server started", "addr", a.Config.HealthAddr)
			errCh <- a.GRPCServer.Serve(l)
		}()
	}

	go func() {
		a.Logger.Info("http server started", "addr", a.HTTPServer.Addr, "base_dir", a.Config.BaseDir)
		if err := a.HTTPServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) createHealthServer(ctx context.Context) {
	a.HealthServer = grpchealth.NewServer()

	// start pessimistic
	a.HealthServer.SetServingStatus(
		"",
		healthpb.HealthCheckResponse_NOT_SERVING,
	)
	healthpb.RegisterHealthServer(a.GRPCServer, a.HealthServer)

	checks := a.Services.ReadinessChecks()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			status := healthpb.HealthCheckResponse_SERVING

			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if name, err := health.CheckAll(cctx, checks); err != nil {
				a.Logger.Warn("readiness check failed", "check", name, "error", err)
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()

			a.HealthServer.SetServingStatus("", status)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func initAWS(cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

func initS3(cfg aws.Config, ac config.AWSConfig) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
			o.UsePathStyle = true
		}
	})
}

func initDynamo(cfg aws.Config, ac config.AWSConfig) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
	})
}

func initSqs(cfg aws.Config, ac config.AWSConfig) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
	})
}

func initRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	// handlers still running hold key.Bytes() in their cipher readers
	drained := true
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			drained = false
			a.Logger.Error("http server shutdown error", "error", err)
		}
	}

	if a.GRPCServer != nil {
		done := make(chan struct{})
		go func() {
			a.GRPCServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			a.GRPCServer.Stop() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	if a.Key != nil {
		if drained {
			a.Key.Destroy()
		} else {
			a.Logger.Warn("requests still in flight, key left for exit purge")
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
