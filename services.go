package main

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/audit"
	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/config"
	"github.com/Yulian302/lfusys-services-uploads/handlers"
	"github.com/Yulian302/lfusys-services-uploads/health"
	"github.com/Yulian302/lfusys-services-uploads/queues"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/Yulian302/lfusys-services-uploads/store"
)

type Stores struct {
	chunks   store.ChunkStore
	sessions store.SessionStore
	files    store.FileRepository
}

type Services struct {
	Uploads    services.UploadService
	Completion services.UploadCompletionService
	Files      services.FileService
	Reaper     *services.SessionReaper
	Notifier   queues.UploadsNotifier
	Cache      caching.CachingService
	Recorder   audit.Recorder

	Stores *Stores

	UploadHandler *handlers.UploadHandler
	HealthHandler *handlers.HealthHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

type Starter interface {
	Start()
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	l := app.Logger
	key := app.Key.Bytes()
	p := cfg.Policy()
	l.Info("upload policy",
		"extensions", p.Extensions(),
		"max_file_size", p.MaxFileSize,
		"max_chunks", p.MaxChunks,
		"collision", cfg.Collision,
	)

	collision, err := store.ParseCollisionPolicy(cfg.Collision)
	if err != nil {
		return nil, err
	}

	chunkStore, err := store.NewDiskChunkStore(cfg.ChunksDir(), l.With("component", "chunks"))
	if err != nil {
		return nil, err
	}

	var fileRepo store.FileRepository
	switch cfg.Storage {
	case config.StorageS3:
		fileRepo = store.NewS3FileRepository(app.S3, cfg.AWS.S3Bucket, cfg.AWS.S3Prefix, collision, l.With("component", "files"))
	default:
		fileRepo, err = store.NewDiskFileRepository(cfg.UploadsDir(), collision, l.With("component", "files"))
		if err != nil {
			return nil, err
		}
	}

	var sessStore store.SessionStore
	switch cfg.Sessions {
	case config.SessionsDynamoDB:
		sessStore = store.NewDynamoSessionStore(app.DynamoDB, cfg.AWS.DynamoTable, cfg.SessionTTL)
	default:
		sessStore = store.NewMemorySessionStore(cfg.SessionTTL)
	}

	var cachingSvc caching.CachingService
	cachingSvc = caching.NewNullCachingService()
	if app.Redis != nil {
		cachingSvc = caching.NewRedisCachingService(app.Redis)
	}

	var notifier queues.UploadsNotifier
	notifier = queues.NewNullNotifier()
	if app.Sqs != nil {
		notifier = queues.NewSQSUploadsNotifier(context.Background(), app.Sqs, cfg.AWS.QueueURL, l.With("component", "notifier"))
	}

	recorder, err := audit.NewFileRecorder(cfg.SecurityLogPath(), l.With("component", "audit"))
	if err != nil {
		return nil, fmt.Errorf("security log: %w", err)
	}

	locks := services.NewKeyedMutex()
	completionSvc := services.NewUploadCompletionServiceImpl(chunkStore, sessStore, fileRepo, cachingSvc, notifier, p, key, l)
	uploadSvc := services.NewUploadServiceImpl(chunkStore, sessStore, completionSvc, p, locks, key, recorder, l)
	fileSvc := services.NewFileServiceImpl(fileRepo, cachingSvc, key, recorder, l)
	reaper := services.NewSessionReaper(context.Background(), sessStore, chunkStore, locks, cfg.SessionTTL, cfg.ReapInterval, l.With("component", "reaper"))

	svcs := &Services{
		Uploads:    uploadSvc,
		Completion: completionSvc,
		Files:      fileSvc,
		Reaper:     reaper,
		Notifier:   notifier,
		Cache:      cachingSvc,
		Recorder:   recorder,

		Stores: &Stores{
			chunks:   chunkStore,
			sessions: sessStore,
			files:    fileRepo,
		},

		UploadHandler: handlers.NewUploadHandler(uploadSvc, fileSvc, p.MaxFileSize, cfg.StaticDir, l),
	}
	svcs.HealthHandler = handlers.NewHealthHandler(svcs.ReadinessChecks()...)

	return svcs, nil
}

// ReadinessChecks lists every dependency that can report readiness.
func (s *Services) ReadinessChecks() []health.ReadinessCheck {
	checks := []health.ReadinessCheck{s.Stores.chunks, s.Stores.sessions, s.Stores.files}
	for _, v := range []any{s.Cache, s.Notifier} {
		if c, ok := v.(health.ReadinessCheck); ok {
			checks = append(checks, c)
		}
	}
	return checks
}

// Start launches the background workers.
func (s *Services) Start() {
	for _, v := range []any{s.Notifier, s.Reaper} {
		if st, ok := v.(Starter); ok {
			st.Start()
		}
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	shutdownIfPossible := func(name string, v any) error {
		if sh, ok := v.(Shutdowner); ok {
			if err := sh.Shutdown(ctx); err != nil {
				return fmt.Errorf("%s shutdown: %w", name, err)
			}
		}
		return nil
	}

	var firstErr error
	for _, c := range []struct {
		name string
		v    any
	}{
		{"reaper", s.Reaper},
		{"notifier", s.Notifier},
		{"security log", s.Recorder},
		{"sessions", s.Stores.sessions},
		{"files", s.Stores.files},
	} {
		if err := shutdownIfPossible(c.name, c.v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
