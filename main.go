package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/cipher"
	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/awnumar/memguard"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

func main() {
	defer memguard.Purge()

	if err := newRootCmd().Execute(); err != nil {
		memguard.SafeExit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var key string

	root := &cobra.Command{
		Use:          "uploads",
		Short:        "Chunked encrypted upload server",
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&key, "key", os.Getenv("UPLOAD_KEY"), "cipher key shared with clients (env UPLOAD_KEY)")
	f.StringVar(&cfg.Env, "env", cfg.Env, "environment: dev, staging or prod")
	f.IntVar(&cfg.Port, "port", cfg.Port, "http listen port")
	f.StringVar(&cfg.BaseDir, "base-dir", cfg.BaseDir, "directory holding chunks/, uploads/ and security.log")
	f.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory with index.html for the front end")
	f.Int64Var(&cfg.MaxFileSize, "max-file-size", cfg.MaxFileSize, "maximum file size in bytes")
	f.IntVar(&cfg.MaxChunks, "max-chunks", cfg.MaxChunks, "maximum chunks per upload")
	f.StringSliceVar(&cfg.Extensions, "extensions", cfg.Extensions, "allowed file extensions (default built-in list)")
	f.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "idle time after which an incomplete upload is discarded")
	f.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "how often expired uploads are swept")
	f.StringVar(&cfg.Collision, "collision", cfg.Collision, "name collision policy: overwrite or version")
	f.StringVar(&cfg.Storage, "storage", cfg.Storage, "completed file storage: disk or s3")
	f.StringVar(&cfg.Sessions, "sessions", cfg.Sessions, "session bookkeeping: memory or dynamodb")
	f.StringVar(&cfg.AWS.Region, "aws-region", cfg.AWS.Region, "aws region")
	f.StringVar(&cfg.AWS.Endpoint, "aws-endpoint", cfg.AWS.Endpoint, "aws endpoint override (localstack)")
	f.StringVar(&cfg.AWS.S3Bucket, "s3-bucket", cfg.AWS.S3Bucket, "bucket for --storage=s3")
	f.StringVar(&cfg.AWS.S3Prefix, "s3-prefix", cfg.AWS.S3Prefix, "key prefix for --storage=s3")
	f.StringVar(&cfg.AWS.DynamoTable, "dynamodb-table", cfg.AWS.DynamoTable, "table for --sessions=dynamodb")
	f.StringVar(&cfg.AWS.QueueURL, "queue-url", cfg.AWS.QueueURL, "sqs queue for completion events")
	f.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for the listing cache")
	f.BoolVar(&cfg.Tracing, "tracing", cfg.Tracing, "export traces over otlp")
	f.StringVar(&cfg.TracingAddr, "tracing-addr", cfg.TracingAddr, "otlp grpc collector address")
	f.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "grpc health service address, empty to disable")
	f.StringSliceVar(&cfg.CORSOrigins, "cors-origins", cfg.CORSOrigins, "allowed cors origins")
	f.StringSliceVar(&cfg.TrustedProxies, "trusted-proxies", cfg.TrustedProxies, "proxies trusted for client addresses")

	setup := func() (*App, error) {
		if key == "" {
			return nil, fmt.Errorf("a cipher key is required (--key or UPLOAD_KEY)")
		}
		secret := []byte(key)
		key = ""
		return SetupApp(cfg, secret)
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), app)
		},
	}
	root.RunE = serve.RunE

	root.AddCommand(serve, newFilesCmd(setup))
	return root
}

func runServer(parent context.Context, app *App) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := app.Run(ctx)
	if runErr == nil {
		app.Logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return runErr
}

// newFilesCmd groups operator commands over the completed files area.
func newFilesCmd(setup func() (*App, error)) *cobra.Command {
	files := &cobra.Command{
		Use:   "files",
		Short: "Inspect or remove completed uploads",
	}

	files.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored files with their download tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup()
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			stored, err := app.Services.Stores.files.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED\tTOKEN")
			for _, f := range stored {
				tok, err := cipher.EncodeName(f.Name, app.Key.Bytes())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Name, f.Size, f.ModTime.Format(time.RFC3339), tok)
			}
			return w.Flush()
		},
	})

	files.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stored file by its plain name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup()
			if err != nil {
				return err
			}
			defer app.Shutdown(context.Background())

			if err := app.Services.Stores.files.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := app.Services.Cache.Delete(cmd.Context(), services.FilesCacheKey); err != nil {
				app.Logger.Warn("cached files invalidation failed", "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	return files
}
