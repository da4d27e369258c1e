package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"kracken-chat/internal/admin"
	"kracken-chat/internal/chat"
	"kracken-chat/internal/db"
	"kracken-chat/internal/email"
	"kracken-chat/internal/middleware"
	"kracken-chat/internal/user"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}

	// 2. Connect to Database (Postgres via DB_DSN, or SQLite fallback)
	database, err := openDatabase()
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	log.Printf("✅ Connected to %s", database.Dialect)

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to Redis if configured; without it the node runs standalone
	var redisClient *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		log.Println("✅ Connected to Redis")
	} else {
		log.Println("⚠️  REDIS_ADDR not set, running single-node (no relay)")
	}

	// 4. Mailer (log-only when SMTP is not configured)
	var mailer email.Sender = email.LogSender{}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		mailer = email.NewSMTPSender(host, getEnv("SMTP_PORT", "587"),
			os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASS"), os.Getenv("SMTP_FROM"))
		log.Println("✅ SMTP mailer configured")
	}

	// 5. Initialize User Feature
	userRepo := user.NewRepository(database)
	userService := user.NewService(userRepo, mailer, jwtSecret)
	userHandler := user.NewHandler(userService)

	githubHandler := user.NewGitHubHandler(userService, user.GitHubConfig{
		ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		CallbackURL:  getEnv("GITHUB_CALLBACK_URL", "http://localhost:8080/api/auth/github/callback"),
	})

	// 6. Initialize Chat Feature
	chatRepo := chat.NewRepository(database)
	hub := chat.NewHub(chatRepo, redisClient)

	relayCtx, cancelRelay := context.WithCancel(context.Background())
	go hub.Run(relayCtx)

	chatHandler := chat.NewHandler(hub, chatRepo)
	authMiddleware := middleware.NewAuthMiddleware(userService)

	adminPassword := os.Getenv("ADMIN_PASSWORD")
	adminHandler := admin.NewHandler(database, hub, adminPassword)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Post("/api/auth/verify-email", userHandler.VerifyEmail)
	r.Post("/api/auth/resend-code", userHandler.ResendCode)
	r.Get("/api/health", adminHandler.Health)
	r.Get("/status", adminHandler.Status)

	if githubHandler.Config.Enabled() {
		r.Get("/api/auth/github", githubHandler.Authorize)
		r.Get("/api/auth/github/callback", githubHandler.Callback)
	} else {
		slog.Warn("GitHub OAuth not configured; set GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET")
	}

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/messages", chatHandler.GetChatHistory)
	})

	if adminPassword != "" {
		r.Group(func(r chi.Router) {
			r.Use(adminHandler.Guard)
			r.Post("/api/admin/delete-messages", adminHandler.DeleteMessages)
			r.Post("/api/admin/delete-users", adminHandler.DeleteUsers)
		})
	}

	server := &http.Server{Addr: *addr, Handler: r}
	go func() {
		log.Printf("🚀 Server starting on %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// 8. Graceful shutdown: stop accepting, drain the hub, close the stores
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.Shutdown(ctx)
			},
			"hub": func(ctx context.Context) error {
				cancelRelay()
				hub.Close()
				return nil
			},
			"database": func(ctx context.Context) error {
				return database.Conn.Close()
			},
			"redis": func(ctx context.Context) error {
				if redisClient == nil {
					return nil
				}
				return redisClient.Close()
			},
		},
	)

	exitCode := <-wait
	log.Printf("Server exited with code: %d", exitCode)
	os.Exit(exitCode)
}

// openDatabase picks the backend: DB_DSN selects Postgres, otherwise
// SQLITE_PATH (defaulting to a local file) selects SQLite.
func openDatabase() (*db.Database, error) {
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		return db.NewPostgres(dsn)
	}
	return db.NewSQLite(getEnv("SQLITE_PATH", "kracken.db"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
