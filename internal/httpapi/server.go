package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/mileage/internal/auth"
	"github.com/MarkoPoloResearchLab/mileage/internal/cache"
	"github.com/MarkoPoloResearchLab/mileage/internal/catalog"
	"github.com/MarkoPoloResearchLab/mileage/internal/observability"
	"github.com/MarkoPoloResearchLab/mileage/internal/users"
	"github.com/MarkoPoloResearchLab/mileage/pkg/mileage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ErrInvalidDependencies = errors.New("invalid http api dependencies")

// Ledger is the subset of mileage.Service the handlers call.
type Ledger interface {
	GetBalance(ctx context.Context, userID mileage.UserID) (mileage.Mileage, error)
	GetTransactions(ctx context.Context, userID mileage.UserID, limit int) ([]mileage.Transaction, error)
	HasSufficientMileage(ctx context.Context, userID mileage.UserID, required mileage.Mileage) (bool, error)
	AddMileage(ctx context.Context, userID mileage.UserID, amount mileage.PositiveMileage, description mileage.Description, resource *mileage.ResourceRef) error
	DeductMileage(ctx context.Context, userID mileage.UserID, amount mileage.PositiveMileage, description mileage.Description, resource *mileage.ResourceRef) error
}

type UserService interface {
	UpsertGitHubUser(ctx context.Context, profile users.GitHubProfile) (users.User, error)
	Get(ctx context.Context, rawUserID string) (users.User, error)
}

// CodeExchanger turns an OAuth authorization code into a GitHub profile.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (users.GitHubProfile, error)
}

type Catalog interface {
	ListApproved(ctx context.Context, limit int, cursor string, filters catalog.Filters) (catalog.Page, error)
	ListPending(ctx context.Context) ([]catalog.Resource, error)
	Get(ctx context.Context, id string) (catalog.Resource, error)
	Create(ctx context.Context, input catalog.CreateInput) (string, error)
	UpdateStatus(ctx context.Context, id string, status catalog.Status) error
	IncrementDownloads(ctx context.Context, id string) error
}

type BlobStore interface {
	GenerateKey(filename string, now time.Time) string
	Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string, now time.Time) error
	Delete(ctx context.Context, key string) error
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}

type ResponseCache interface {
	GetJSON(ctx context.Context, key string, target any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) (int64, error)
	Increment(ctx context.Context, key string, window time.Duration) (cache.Counter, error)
	Ping(ctx context.Context) error
}

// Pinger is a dependency the health endpoint can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators behind the HTTP API. Metrics is optional.
type Dependencies struct {
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Ledger   Ledger
	Users    UserService
	OAuth    CodeExchanger
	Tokens   *auth.TokenIssuer
	Catalog  Catalog
	Blobs    BlobStore
	Cache    ResponseCache
	Database Pinger
	Now      func() time.Time
}

func (deps Dependencies) validate() error {
	missing := ""
	switch {
	case deps.Ledger == nil:
		missing = "ledger"
	case deps.Users == nil:
		missing = "users"
	case deps.OAuth == nil:
		missing = "oauth"
	case deps.Tokens == nil:
		missing = "token issuer"
	case deps.Catalog == nil:
		missing = "catalog"
	case deps.Blobs == nil:
		missing = "blob store"
	case deps.Cache == nil:
		missing = "cache"
	case deps.Database == nil:
		missing = "database"
	}
	if missing != "" {
		return fmt.Errorf("%w: %s is nil", ErrInvalidDependencies, missing)
	}
	return nil
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	handler, err := newHandler(cfg, deps)
	if err != nil {
		return err
	}
	router := setupRouter(handler)

	server := &http.Server{
		Addr:              handler.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("http api listening", zap.String("addr", handler.cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), handler.cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(cfg Config, deps Dependencies) (http.Handler, error) {
	handler, err := newHandler(cfg, deps)
	if err != nil {
		return nil, err
	}
	return setupRouter(handler), nil
}

func newHandler(cfg Config, deps Dependencies) (*httpHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &httpHandler{
		cfg:      cfg,
		logger:   logger,
		metrics:  deps.Metrics,
		ledger:   deps.Ledger,
		users:    deps.Users,
		oauth:    deps.OAuth,
		tokens:   deps.Tokens,
		catalog:  deps.Catalog,
		blobs:    deps.Blobs,
		cache:    deps.Cache,
		database: deps.Database,
		nowFn:    now,
	}, nil
}

func setupRouter(handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.GinMiddleware(handler.logger, handler.metrics))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     handler.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		ExposeHeaders:    []string{headerRateLimit, headerRateLimitRemaining, headerRateLimitReset},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, errorResponse(codeNotFound, "Route not found", nil, handler.nowFn()))
	})

	if handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics.Handler()))
	}
	router.GET("/api/health", handler.handleHealth)

	requireUser := auth.RequireUser(handler.tokens, handler.respondError)
	requireAdmin := auth.RequireAdmin(handler.respondError)

	api := router.Group("/api")
	api.Use(handler.rateLimit())

	authGroup := api.Group("/auth")
	authGroup.POST("/github", handler.handleGitHubLogin)
	authGroup.GET("/me", requireUser, handler.handleMe)

	api.GET("/users/me/mileage", requireUser, handler.handleMyMileage)

	resources := api.Group("/resources")
	resources.GET("", handler.handleListResources)
	resources.POST("/upload", requireUser, handler.handleUpload)
	resources.GET("/:id", handler.handleGetResource)
	resources.POST("/:id/download", requireUser, handler.handleDownload)

	admin := api.Group("/admin", requireUser, requireAdmin)
	admin.GET("/resources/pending", handler.handlePendingResources)
	admin.POST("/resources/:id/approve", handler.handleApprove)
	admin.POST("/resources/:id/reject", handler.handleReject)

	return router
}

type httpHandler struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	ledger   Ledger
	users    UserService
	oauth    CodeExchanger
	tokens   *auth.TokenIssuer
	catalog  Catalog
	blobs    BlobStore
	cache    ResponseCache
	database Pinger
	nowFn    func() time.Time
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}
