package main

import (
	"context"
	"os"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"marketChat/config"
	"marketChat/pkg/api"
	"marketChat/pkg/app"
	"marketChat/pkg/logging"
	"marketChat/pkg/middleware"
	"marketChat/pkg/repository"
)

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("Error loading .env file")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogPretty)

	if err := run(context.Background(), cfg); err != nil {
		log.Error().Err(err).Msg("Server stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	var (
		storage  repository.Storage
		verifier middleware.TokenVerifier
	)

	switch cfg.Storage {
	case config.StorageFirestore:
		db, err := config.SetupDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		firebaseApp, err := config.SetupFirebase(ctx)
		if err != nil {
			return err
		}
		firestore, err := firebaseApp.Firestore(ctx)
		if err != nil {
			return err
		}
		defer firestore.Close()

		authClient, err := firebaseApp.Auth(ctx)
		if err != nil {
			return err
		}

		storage = repository.NewStorage(db, firestore)
		verifier = authClient
	case config.StorageMemory:
		storage = seedMemory(cfg)
		verifier = middleware.StaticVerifier(cfg.DevTokens)
		log.Warn().Int("tokens", len(cfg.DevTokens)).Msg("Using in-memory storage with static tokens")
	}

	userService := api.NewUserService(storage)
	chatService := api.NewChatService(storage, userService, nil)

	server := app.NewServer(chi.NewRouter(), chatService, verifier, app.Options{
		Addr:        cfg.ServerURL,
		CORSOrigins: cfg.CORSOrigins,
		SendRate:    cfg.SendRate,
		SendBurst:   cfg.SendBurst,
	})

	return server.Run()
}

// seedMemory creates a user for every dev token uid plus the configured orders.
func seedMemory(cfg config.Config) *repository.MemoryStorage {
	storage := repository.NewMemoryStorage()

	uids := make(map[string]api.Role)
	for _, uid := range cfg.DevTokens {
		uids[uid] = api.RoleClient
	}
	for _, order := range cfg.DevOrders {
		uids[order.ClientId] = api.RoleClient
		uids[order.FreelancerId] = api.RoleFreelancer
	}

	sorted := make([]string, 0, len(uids))
	for uid := range uids {
		sorted = append(sorted, uid)
	}
	sort.Strings(sorted)
	for _, uid := range sorted {
		storage.PutUser(api.User{Id: uid, FirstName: uid, Role: uids[uid]})
	}

	for _, order := range cfg.DevOrders {
		storage.PutOrder(order.Id, "Order "+order.Id, order.ClientId, order.FreelancerId)
	}
	return storage
}
