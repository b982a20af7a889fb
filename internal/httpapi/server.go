// Package httpapi exposes the credit engine over an authenticated REST surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

// Server routes HTTP requests into the credit service.
type Server struct {
	service *credits.Service
	logger  *zap.Logger
	cfg     Config
}

// NewServer validates the configuration and builds a Server.
func NewServer(service *credits.Service, logger *zap.Logger, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{service: service, logger: logger.Named("httpapi"), cfg: cfg}, nil
}

// Router assembles the gin engine with auth and CORS middleware.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.Use(authMiddleware([]byte(server.cfg.SigningKey), server.cfg.Issuer))

	api.GET("/balance", server.handleBalance)
	api.POST("/balance/validate", server.handleValidate)
	api.POST("/usage", server.handleDeduct)
	api.GET("/history", server.handleHistory)
	api.GET("/usage-summary", server.handleUsageSummary)

	admin := api.Group("/admin")
	admin.Use(requireRole(server.cfg.AdminRole))
	admin.POST("/credits", server.handleAdminGrant)
	admin.POST("/refunds", server.handleAdminRefund)
	admin.GET("/users/:user_id/verify", server.handleAdminVerify)
	admin.POST("/users/:user_id/monthly-credits", server.handleAdminMonthly)

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := server.callerUserID(ctx)
	if !ok {
		return
	}
	balance, err := server.service.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "get balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID.String(), "credits": balance.Int64()})
}

type validateRequest struct {
	Required int64 `json:"required"`
}

func (server *Server) handleValidate(ctx *gin.Context) {
	userID, ok := server.callerUserID(ctx)
	if !ok {
		return
	}
	var request validateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	validation, err := server.service.ValidateBalance(ctx.Request.Context(), userID, credits.Amount(request.Required))
	if err != nil {
		server.respondError(ctx, "validate balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"valid":     validation.Valid,
		"balance":   validation.Balance.Int64(),
		"shortfall": validation.Shortfall.Int64(),
	})
}

type deductRequest struct {
	Amount         int64          `json:"amount"`
	Description    string         `json:"description"`
	UsageDetails   map[string]any `json:"usage_details"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (server *Server) handleDeduct(ctx *gin.Context) {
	userID, ok := server.callerUserID(ctx)
	if !ok {
		return
	}
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	usageDetails, err := credits.NewMetadataJSON(marshalMetadata(request.UsageDetails))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "usage_details must be a JSON object"))
		return
	}
	result, err := server.service.DeductCredits(ctx.Request.Context(), credits.DeductRequest{
		UserID:         userID,
		Amount:         credits.Amount(request.Amount),
		Description:    request.Description,
		UsageDetails:   usageDetails,
		IdempotencyKey: request.IdempotencyKey,
	})
	if err != nil {
		server.respondError(ctx, "deduct credits", err)
		return
	}
	ctx.JSON(http.StatusOK, resultPayload(result))
}

func (server *Server) handleHistory(ctx *gin.Context) {
	userID, ok := server.callerUserID(ctx)
	if !ok {
		return
	}
	filter, ok := parseHistoryFilter(ctx)
	if !ok {
		return
	}
	entries, err := server.service.GetTransactionHistory(ctx.Request.Context(), userID, filter)
	if err != nil {
		server.respondError(ctx, "transaction history", err)
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (server *Server) handleUsageSummary(ctx *gin.Context) {
	userID, ok := server.callerUserID(ctx)
	if !ok {
		return
	}
	windowDays, ok := parseIntQuery(ctx, "days", 0)
	if !ok {
		return
	}
	summary, err := server.service.GetUsageSummary(ctx.Request.Context(), userID, windowDays)
	if err != nil {
		server.respondError(ctx, "usage summary", err)
		return
	}
	byDay := make([]gin.H, 0, len(summary.ByDay))
	for _, day := range summary.ByDay {
		byDay = append(byDay, gin.H{
			"date":  day.Date,
			"used":  day.Used.Int64(),
			"added": day.Added.Int64(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"window_days": summary.WindowDays,
		"used":        summary.Used.Int64(),
		"added":       summary.Added.Int64(),
		"refunded":    summary.Refunded.Int64(),
		"by_day":      byDay,
	})
}

type grantRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	TransactionID  string         `json:"transaction_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (server *Server) handleAdminGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	entryType := credits.EntryPurchase
	if request.Type != "" {
		entryType, err = credits.ParseEntryType(request.Type)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", err.Error()))
			return
		}
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be a JSON object"))
		return
	}
	result, err := server.service.AddCredits(ctx.Request.Context(), credits.AddRequest{
		UserID:         userID,
		Amount:         credits.Amount(request.Amount),
		Type:           entryType,
		Description:    request.Description,
		Source:         credits.SourceSystem,
		Correlation:    credits.Correlation{TransactionID: request.TransactionID},
		IdempotencyKey: request.IdempotencyKey,
		Metadata:       metadata,
	})
	if err != nil {
		server.respondError(ctx, "grant credits", err)
		return
	}
	ctx.JSON(http.StatusOK, resultPayload(result))
}

type refundRequest struct {
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	RelatedRef    string `json:"related_ref"`
	TransactionID string `json:"transaction_id"`
}

func (server *Server) handleAdminRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	result, err := server.service.RefundCredits(ctx.Request.Context(), credits.RefundRequest{
		UserID:        userID,
		Amount:        credits.Amount(request.Amount),
		Description:   request.Description,
		RelatedRef:    request.RelatedRef,
		TransactionID: request.TransactionID,
		Source:        credits.SourceSystem,
	})
	if err != nil {
		server.respondError(ctx, "refund credits", err)
		return
	}
	ctx.JSON(http.StatusOK, resultPayload(result))
}

func (server *Server) handleAdminVerify(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	verification, err := server.service.VerifyBalance(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "verify balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"valid":              verification.Valid,
		"stored_balance":     verification.StoredBalance.Int64(),
		"calculated_balance": verification.CalculatedBalance.Int64(),
		"discrepancy":        verification.Discrepancy.Int64(),
	})
}

func (server *Server) handleAdminMonthly(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", err.Error()))
		return
	}
	result, err := server.service.ProcessMonthlyCredits(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, "monthly credits", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"outcome":          string(result.Outcome),
		"granted":          result.Granted.Int64(),
		"next_credit_date": result.NextCreditDate,
	})
}

func (server *Server) callerUserID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is not a user id"))
		return credits.UserID{}, false
	}
	return userID, true
}

// respondError maps engine error codes onto HTTP statuses. Unexpected
// failures surface as 500 without leaking storage details.
func (server *Server) respondError(ctx *gin.Context, operation string, err error) {
	switch credits.CodeForError(err) {
	case credits.ErrorCodeInvalidAmount:
		ctx.JSON(http.StatusBadRequest, errorResponse(string(credits.ErrorCodeInvalidAmount), "amount must be a positive integer"))
	case credits.ErrorCodeUserNotFound:
		ctx.JSON(http.StatusNotFound, errorResponse(string(credits.ErrorCodeUserNotFound), "unknown user"))
	case credits.ErrorCodeInsufficientBalance:
		ctx.JSON(http.StatusPaymentRequired, errorResponse(string(credits.ErrorCodeInsufficientBalance), "not enough credits"))
	default:
		server.logger.Error(operation+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(string(credits.ErrorCodeInternal), "internal error"))
	}
}

func parseHistoryFilter(ctx *gin.Context) (credits.HistoryFilter, bool) {
	filter := credits.HistoryFilter{}
	limit, ok := parseIntQuery(ctx, "limit", 0)
	if !ok {
		return filter, false
	}
	filter.Limit = limit
	before, ok := parseInt64Query(ctx, "before")
	if !ok {
		return filter, false
	}
	filter.BeforeUnixUTC = before
	since, ok := parseInt64Query(ctx, "since")
	if !ok {
		return filter, false
	}
	filter.SinceUnixUTC = since
	for _, raw := range strings.Split(ctx.Query("types"), ",") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		entryType, err := credits.ParseEntryType(trimmed)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", err.Error()))
			return filter, false
		}
		filter.Types = append(filter.Types, entryType)
	}
	return filter, true
}

func parseIntQuery(ctx *gin.Context, name string, fallback int) (int, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", name+" must be an integer"))
		return 0, false
	}
	return value, true
}

func parseInt64Query(ctx *gin.Context, name string) (int64, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", name+" must be an integer"))
		return 0, false
	}
	return value, true
}

func resultPayload(result credits.Result) gin.H {
	return gin.H{
		"success":         result.Success,
		"duplicate":       result.Duplicate,
		"transaction_ref": result.TransactionRef,
		"amount":          result.Amount.Int64(),
		"balance_before":  result.BalanceBefore.Int64(),
		"balance_after":   result.BalanceAfter.Int64(),
	}
}

func entryPayload(entry credits.Entry) gin.H {
	return gin.H{
		"entry_id":        entry.EntryID,
		"transaction_ref": entry.TransactionRef,
		"type":            entry.Type.String(),
		"amount":          entry.Amount.Int64(),
		"balance_before":  entry.BalanceBefore.Int64(),
		"balance_after":   entry.BalanceAfter.Int64(),
		"status":          string(entry.Status),
		"source":          string(entry.Source),
		"description":     entry.Description,
		"related_ref":     entry.RelatedRef,
		"created_unix":    entry.CreatedUnixUTC,
	}
}

func marshalMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
