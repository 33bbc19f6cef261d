package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/sketchcredits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const gatewaySignatureHeader = "X-Gateway-Signature"

// Run boots the HTTP surface using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *credits.Service, converter Converter, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router := NewRouter(cfg, service, converter, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine. The webhook receiver stays outside the
// session middleware: the gateway authenticates by body signature, not by
// bearer token.
func NewRouter(cfg Config, service *credits.Service, converter Converter, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		logger:    logger,
		service:   service,
		converter: converter,
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/webhooks/payment", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.TokenSigningKey), cfg.TokenIssuer))

	api.GET("/balance", handler.handleBalance)
	api.POST("/orders", handler.handleCreateOrder)
	api.POST("/orders/confirm", handler.handleConfirmPayment)
	api.POST("/conversions", handler.handleConversion)

	admin := api.Group("/admin")
	admin.Use(requirePrivileged)
	admin.POST("/credits", handler.handleAdjustCredits)
	admin.POST("/renewals", handler.handleRenewAll)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	service   *credits.Service
	converter Converter
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	ledgerRecord, err := handler.service.Balance(ctx.Request.Context(), actor.UserID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "temporary failure, please retry"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": ledgerRecord.Balance})
}

type createOrderRequest struct {
	FiatAmountCents int64 `json:"fiat_amount_cents"`
}

func (handler *httpHandler) handleCreateOrder(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request createOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.FiatAmountCents <= 0 || request.FiatAmountCents%CreditValueCents() != 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", fmt.Sprintf("amount must be a positive multiple of %d cents", CreditValueCents())))
		return
	}
	creditQuantity := request.FiatAmountCents / CreditValueCents()
	if creditQuantity < MinimumPurchaseCredits() || creditQuantity%PurchaseIncrementCredits() != 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", fmt.Sprintf("credits must be >= %d and in steps of %d", MinimumPurchaseCredits(), PurchaseIncrementCredits())))
		return
	}
	creditAmount, err := credits.NewCreditAmount(creditQuantity)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "invalid credit amount"))
		return
	}
	order, err := handler.service.CreateOrder(ctx.Request.Context(), actor.UserID, request.FiatAmountCents, creditAmount)
	if err != nil {
		handler.logger.Error("order creation failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "order creation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"order_id":      order.OrderID.String(),
		"credit_amount": order.CreditAmount.Int64(),
	})
}

type confirmPaymentRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Signature string `json:"signature"`
}

func (handler *httpHandler) handleConfirmPayment(ctx *gin.Context) {
	if _, ok := handler.actor(ctx); !ok {
		return
	}
	var request confirmPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	orderID, err := credits.NewOrderID(request.OrderID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_order", "order id is required"))
		return
	}
	paymentID, err := credits.NewPaymentID(request.PaymentID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payment", "payment id is required"))
		return
	}
	result, err := handler.service.ConfirmPayment(ctx.Request.Context(), orderID, paymentID, request.Signature)
	if err != nil {
		handler.respondReconcileError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": result.NewBalance})
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	signature := ctx.GetHeader(gatewaySignatureHeader)
	if signature == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("payment_rejected", "payment could not be verified"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	result, err := handler.service.ProcessNotification(ctx.Request.Context(), body, signature)
	if err != nil {
		handler.respondReconcileError(ctx, err)
		return
	}
	// Duplicate deliveries must still be acknowledged as success or the
	// gateway will redeliver indefinitely.
	status := "processed"
	if !result.Applied {
		status = "duplicate"
	}
	ctx.JSON(http.StatusOK, gin.H{"status": status})
}

type conversionRequest struct {
	SketchURL string `json:"sketch_url"`
	Prompt    string `json:"prompt"`
}

func (handler *httpHandler) handleConversion(ctx *gin.Context) {
	actor, ok := handler.actor(ctx)
	if !ok {
		return
	}
	var request conversionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cost, err := credits.NewCreditAmount(ConversionCostCredits())
	if err != nil {
		handler.logger.Error("conversion cost misconfigured", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "temporary failure, please retry"))
		return
	}
	balance, err := handler.service.Debit(ctx.Request.Context(), actor, cost)
	if errors.Is(err, credits.ErrInsufficientFunds) {
		handler.respondInsufficientFunds(ctx, actor.UserID, cost.Int64())
		return
	}
	if err != nil {
		handler.logger.Error("conversion debit failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "temporary failure, please retry"))
		return
	}

	result, err := handler.converter.Convert(ctx.Request.Context(), actor.UserID.String(), ConversionRequest{
		SketchURL: request.SketchURL,
		Prompt:    request.Prompt,
	})
	if err != nil {
		handler.logger.Error("conversion failed, compensating debit", zap.String("user_id", actor.UserID.String()), zap.Error(err))
		if !actor.Privileged {
			if _, creditErr := handler.service.Credit(ctx.Request.Context(), actor.UserID, cost); creditErr != nil {
				handler.logger.Error("compensating credit failed",
					zap.String("user_id", actor.UserID.String()),
					zap.Int64("amount", cost.Int64()),
					zap.Error(creditErr))
			}
		}
		ctx.JSON(http.StatusBadGateway, errorResponse("conversion_error", "conversion failed, credits refunded"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"result":  result,
		"balance": balance,
	})
}

type adjustCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (handler *httpHandler) handleAdjustCredits(ctx *gin.Context) {
	var request adjustCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id is required"))
		return
	}
	balance, err := handler.service.Adjust(ctx.Request.Context(), userID, request.Amount)
	if errors.Is(err, credits.ErrInsufficientFunds) {
		handler.respondInsufficientFunds(ctx, userID, -request.Amount)
		return
	}
	if errors.Is(err, credits.ErrInvalidCreditAmount) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "adjustment must be non-zero"))
		return
	}
	if err != nil {
		handler.logger.Error("credit adjustment failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "temporary failure, please retry"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (handler *httpHandler) handleRenewAll(ctx *gin.Context) {
	summary, err := handler.service.RenewAll(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("renewal batch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "temporary failure, please retry"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"renewed": summary.Renewed,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
	})
}

func (handler *httpHandler) actor(ctx *gin.Context) (credits.Actor, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.Actor{}, false
	}
	actor, err := actorFromClaims(claims)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
		return credits.Actor{}, false
	}
	return actor, true
}

func (handler *httpHandler) respondReconcileError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInvalidSignature):
		// Generic message on purpose: the reason is logged, not leaked.
		handler.logger.Warn("payment signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("payment_rejected", "payment could not be verified"))
	case errors.Is(err, credits.ErrInvalidNotification):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed notification"))
	case errors.Is(err, credits.ErrOrderNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("order_not_found", "unknown order"))
	case errors.Is(err, credits.ErrOrderFailed):
		ctx.JSON(http.StatusConflict, errorResponse("order_failed", "order is not payable"))
	default:
		handler.logger.Error("reconciliation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "temporary failure, please retry"))
	}
}

func (handler *httpHandler) respondInsufficientFunds(ctx *gin.Context, userID credits.UserID, required int64) {
	available := int64(0)
	if ledgerRecord, err := handler.service.Balance(ctx.Request.Context(), userID); err == nil {
		available = ledgerRecord.Balance
	}
	ctx.JSON(http.StatusPaymentRequired, gin.H{
		"error": gin.H{
			"code":      "insufficient_credits",
			"message":   "not enough credits for this action",
			"required":  required,
			"available": available,
		},
	})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
