package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arcane/internal/api"
	"arcane/internal/auth"
	"arcane/internal/commands"
	"arcane/internal/config"
	"arcane/internal/directory"
	"arcane/internal/filestore"
	"arcane/internal/http"
	"arcane/internal/msgstore"
	"arcane/internal/notify"
	"arcane/internal/rooms"
	"arcane/internal/session"
	"arcane/internal/storage"
	"arcane/internal/ws"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, bbStorage)
	if err != nil {
		return err
	}

	dir, err := directory.New(bbStorage)
	if err != nil {
		return err
	}
	tracker := directory.NewTracker(ctx, dir, cfg.PresenceTTL)

	msgStore := msgstore.New(bbStorage)
	registry := rooms.NewRegistry(bbStorage, dir, msgStore)

	notifier := notify.New(notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, bbStorage, registry, dir)
	msgStore.SetAppendHook(notifier.MessageAppended)

	files, err := filestore.NewLocal(cfg.UploadsPath)
	if err != nil {
		return err
	}

	sessions := func(userID string) *session.Session {
		return session.New(userID, msgStore, registry, msgstore.DefaultSnapshotLimit)
	}

	wsServer := ws.NewServer(authService, tracker, sessions)
	handlers := api.New(authService, dir, registry, msgStore, files, notifier)
	admin := api.NewAdminHandler(authService, dir, registry, cfg.AdminUser, cfg.AdminPassword)

	adminServer := http.NewAdminServer(admin, cfg.AdminAddr)
	apiServer := http.NewAPIServer(handlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Presence sweeper
	g.Go(func() error {
		tracker.Run(gCtx)
		return nil
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	_ = godotenv.Load()

	addUserEmail := flag.String("add-user", "", "Email of a user to create via the admin API of a running server")
	addUserName := flag.String("add-user-name", "", "Username for -add-user")
	addUserPassword := flag.String("add-user-password", "", "Password for -add-user")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *addUserEmail != "" {
		cfg, err := config.Load(true)
		if err != nil {
			log.Fatalf("Configuration error: %v", err)
		}
		if err := commands.AddUser(*addUserEmail, *addUserName, *addUserPassword, cfg); err != nil {
			log.Fatalf("Failed to add user: %v", err)
		}
		return
	}

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
