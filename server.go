package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/pos"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/mmdatafocus/retailops_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer = otel.Tracer("retailops-backend")

// Wired after the DB connects; the readiness gate returns 503 until then.
var (
	posService *pos.Service
	aggregator *workflow.Aggregator
	reconciler *workflow.Reconciler
	repos      repository.Repos
)

type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// PubSubMessage is the push-subscription envelope Cloud Pub/Sub posts to us.
type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func errorResponse(c *gin.Context, err error) {
	// Attach to gin's error list so customErrorLogger picks it up.
	_ = c.Error(err)
	code := utils.CodeOf(err)
	c.JSON(utils.HTTPStatus(code), gin.H{"error": gin.H{
		"code":    string(code),
		"message": err.Error(),
	}})
}

// bindErrorResponse maps a request-body bind failure to a 400 with per-field
// validation tags when the error carries them.
func bindErrorResponse(c *gin.Context, err error) {
	appErr := utils.InvalidArgument(err.Error())
	_ = c.Error(appErr)
	body := gin.H{
		"code":    string(utils.CodeInvalidArgument),
		"message": appErr.Message,
	}
	if fields := utils.ProcessValidationErrors(err); len(fields) > 0 {
		body["fields"] = fields
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": body})
}

// storeScoped pulls the tenant id from the x-store-id header and binds it to
// the request context so the tenant guard scopes every query.
func storeScoped(handler func(c *gin.Context, storeId string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		storeId := strings.TrimSpace(c.GetHeader("x-store-id"))
		if storeId == "" {
			errorResponse(c, utils.InvalidArgument("x-store-id header is required"))
			return
		}
		ctx := utils.SetStoreIdInContext(c.Request.Context(), storeId)
		if cashierId := strings.TrimSpace(c.GetHeader("x-cashier-id")); cashierId != "" {
			ctx = utils.SetCashierIdInContext(ctx, cashierId)
		}
		c.Request = c.Request.WithContext(ctx)
		handler(c, storeId)
	}
}

func commitSaleHandler(c *gin.Context, storeId string) {
	var input models.NewSale
	if err := c.ShouldBindJSON(&input); err != nil {
		bindErrorResponse(c, err)
		return
	}
	sale, err := posService.CommitSale(c.Request.Context(), storeId, &input)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, sale)
}

func receiveStockHandler(c *gin.Context, storeId string) {
	var input models.NewReceipt
	if err := c.ShouldBindJSON(&input); err != nil {
		bindErrorResponse(c, err)
		return
	}
	receipt, err := posService.ReceiveStock(c.Request.Context(), storeId, &input)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func recordCustomerHandler(c *gin.Context, storeId string) {
	var input models.NewCustomer
	if err := c.ShouldBindJSON(&input); err != nil {
		bindErrorResponse(c, err)
		return
	}
	customer, err := posService.RecordCustomer(c.Request.Context(), storeId, &input)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func recordCloseoutHandler(c *gin.Context, storeId string) {
	var input models.NewCloseout
	if err := c.ShouldBindJSON(&input); err != nil {
		bindErrorResponse(c, err)
		return
	}
	closeout, err := posService.RecordCloseout(c.Request.Context(), storeId, &input)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusCreated, closeout)
}

func activityFeedHandler(c *gin.Context, storeId string) {
	ctx := c.Request.Context()
	dateKey := strings.TrimSpace(c.Query("date"))
	if dateKey == "" {
		timezone := ""
		if store, err := repos.Stores().GetById(ctx, storeId); err == nil {
			timezone = store.Timezone
		}
		dateKey = utils.ResolveDateKey(time.Now().UTC(), timezone)
	} else if _, err := time.Parse(utils.DateKeyLayout, dateKey); err != nil {
		errorResponse(c, utils.InvalidArgument("date must be YYYY-MM-DD"))
		return
	}

	entries, err := repos.Activities().ListByStoreDate(ctx, storeId, dateKey)
	if err != nil {
		errorResponse(c, utils.Internal("failed to load activity feed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"date_key": dateKey, "entries": entries})
}

func summaryHandler(c *gin.Context, storeId string) {
	ctx := c.Request.Context()
	dateKey := strings.TrimSpace(c.Query("date"))
	if dateKey == "" {
		timezone := ""
		if store, err := repos.Stores().GetById(ctx, storeId); err == nil {
			timezone = store.Timezone
		}
		dateKey = utils.ResolveDateKey(time.Now().UTC(), timezone)
	} else if _, err := time.Parse(utils.DateKeyLayout, dateKey); err != nil {
		errorResponse(c, utils.InvalidArgument("date must be YYYY-MM-DD"))
		return
	}

	summary, err := repos.Summaries().Get(ctx, storeId, dateKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusOK, models.NewDailySummary(storeId, dateKey))
			return
		}
		errorResponse(c, utils.Internal("failed to load summary", err))
		return
	}
	c.JSON(http.StatusOK, summary)
}

// domainEventPubSubHandler receives push deliveries for the domain-event
// subscription and hands them to the aggregator. Returning non-2xx makes
// Pub/Sub redeliver; malformed envelopes are acked so they do not loop.
func domainEventPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "domainEventPubSubHandler", "io.ReadAll", "", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "domainEventPubSubHandler", "Unmarshal body", "", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PubSubMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "domainEventPubSubHandler", "Unmarshal pubsub message", "", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Poisoned messages never become valid; drop them instead of looping.
		if m.StoreId == "" || m.EventType == "" || m.EventId == "" {
			config.LogError(logger, "server.go", "domainEventPubSubHandler", "Invalid pubsub message (missing required fields)", m.StoreId, m, fmt.Errorf("store_id/event_type/event_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = msg.Message.ID
		}

		ctx := utils.SetStoreIdInContext(c.Request.Context(), m.StoreId)
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := aggregator.Apply(ctx, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "domainEventPubSubHandler",
				"store_id":       m.StoreId,
				"event_type":     m.EventType,
				"event_id":       m.EventId,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		c.Status(http.StatusNoContent)
	}
}

type reconcileRequest struct {
	StoreId string `json:"store_id"`
	Date    string `json:"date"`
}

// reconcileDailyHandler triggers the nightly sweep. Cloud Scheduler posts an
// empty body for the fleet-wide run; an explicit store/date pair re-runs one
// document.
func reconcileDailyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reconcileRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				errorResponse(c, utils.InvalidArgument("invalid request"))
				return
			}
		}

		ctx := c.Request.Context()
		if req.StoreId != "" && req.Date != "" {
			if err := reconciler.RunStoreDate(ctx, req.StoreId, req.Date); err != nil {
				errorResponse(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"store_id": req.StoreId, "date_key": req.Date})
			return
		}

		if err := reconciler.Run(ctx); err != nil {
			errorResponse(c, utils.Internal("reconciliation finished with errors", err))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type outboxReplayRequest struct {
	StoreId  string `json:"store_id"`
	RecordId int    `json:"record_id"`
}

// outboxReplayHandler re-queues a DEAD/FAILED outbox row for publishing.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, utils.InvalidArgument("invalid request"))
			return
		}
		if req.StoreId == "" || req.RecordId <= 0 {
			errorResponse(c, utils.InvalidArgument("store_id and record_id are required"))
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.DomainEventRecord{}).
			Where("id = ? AND store_id = ?", req.RecordId, req.StoreId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			errorResponse(c, utils.Internal("failed to replay outbox record", err))
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"store_id":        req.StoreId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request, attach to context, and open
	// the request span so otelgorm's query spans nest under it.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		spanName := c.FullPath()
		if spanName == "" {
			spanName = c.Request.URL.Path
		}
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+spanName,
			trace.WithAttributes(attribute.String("correlation_id", cid)))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil || posService == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production requires an explicit allowlist via CORS_ALLOWED_ORIGINS
	// (comma-separated); non-production allows all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-store-id", "x-cashier-id", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/pos/sales", storeScoped(commitSaleHandler))
	r.POST("/pos/closeouts", storeScoped(recordCloseoutHandler))
	r.POST("/inventory/receipts", storeScoped(receiveStockHandler))
	r.POST("/customers", storeScoped(recordCustomerHandler))
	r.GET("/activity", storeScoped(activityFeedHandler))
	r.GET("/summary", storeScoped(summaryHandler))
	r.POST("/events/pubsub", domainEventPubSubHandler())
	// Ops tooling: Cloud Scheduler hits the nightly sweep; replay re-queues
	// DEAD/FAILED outbox rows.
	r.POST("/internal/jobs/reconcile-daily", reconcileDailyHandler())
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow disabling migrations
	// on startup and running them as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	repos = repository.NewGormRepos(db)
	posService = pos.NewService(repos, utils.SystemClock, logger)
	aggregator = workflow.NewAggregator(repos, utils.SystemClock, logger)
	reconciler = workflow.NewReconciler(repos, utils.SystemClock, logger)

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go func() {
		if err := config.EnsureDomainEventTopic(dispatcherCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("outbox topic bootstrap failed: " + err.Error())
		}
	}()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that collected gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware enforces a fixed-window per-IP request budget in Redis.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
