// Package httpapi exposes the credit ledger over HTTP. The API layer stays
// thin: it validates the inbound tuple, hands it to the domain services, and
// translates typed failures into status codes and rate-limit headers.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
	"github.com/MarkoPoloResearchLab/billing/pkg/payevent"
	"github.com/MarkoPoloResearchLab/billing/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/billing/pkg/topup"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"

	webhookUserID = "system:payment-webhook"

	defaultListLimit = 50
	maxListLimit     = 200

	topUpObserveTimeout = 30 * time.Second
)

// OrganizationCreator provisions new balance rows.
type OrganizationCreator interface {
	CreateOrganization(ctx context.Context, organization billing.Organization) error
}

// Dependencies carries the wired domain services.
type Dependencies struct {
	Ledger        *billing.Service
	Deduplicator  *payevent.Deduplicator
	TopUps        *topup.Controller
	Limiter       *ratelimit.Limiter
	LimitConfig   ratelimit.Config
	Organizations OrganizationCreator
	Logger        *zap.Logger
}

// Server is the HTTP façade over the billing core.
type Server struct {
	engine *gin.Engine
	deps   Dependencies
}

// New wires the router.
func New(deps Dependencies) (*Server, error) {
	if deps.Ledger == nil || deps.Deduplicator == nil || deps.Limiter == nil {
		return nil, errors.New("httpapi: missing ledger, deduplicator, or limiter dependency")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	server := &Server{deps: deps}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.Use(server.rateLimitMiddleware())

	v1 := engine.Group("/v1")
	v1.POST("/organizations", server.handleCreateOrganization)
	v1.POST("/organizations/:organization_id/credits", server.handleApply)
	v1.POST("/organizations/:organization_id/usage", server.handleUsage)
	v1.GET("/organizations/:organization_id/balance", server.handleBalance)
	v1.GET("/organizations/:organization_id/transactions", server.handleListTransactions)
	v1.GET("/organizations/:organization_id/reconciliation", server.handleReconciliation)
	v1.POST("/webhooks/payment", server.handlePaymentWebhook)

	server.engine = engine
	return server, nil
}

// Handler returns the http.Handler for the façade.
func (server *Server) Handler() http.Handler {
	return server.engine
}

func (server *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := server.deps.Limiter.Check(c.Request.Context(), ratelimit.Request{
			ClientIP:  c.ClientIP(),
			Path:      c.FullPath(),
			UserAgent: c.Request.UserAgent(),
		}, server.deps.LimitConfig)
		if err != nil {
			// Misconfiguration, not a store outage; the limiter itself
			// degrades to allow on store errors.
			server.deps.Logger.Error("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		c.Header(headerRateLimitLimit, strconv.FormatInt(decision.Limit, 10))
		c.Header(headerRateLimitRemaining, strconv.FormatInt(decision.Remaining, 10))
		c.Header(headerRateLimitReset, strconv.FormatInt(decision.ResetUnixUTC, 10))
		if !decision.Allowed {
			retryAfterSeconds := int64(decision.RetryAfter / time.Second)
			if retryAfterSeconds < 1 {
				retryAfterSeconds = 1
			}
			c.Header(headerRetryAfter, strconv.FormatInt(retryAfterSeconds, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfterSeconds,
			})
			return
		}
		c.Next()
	}
}

type createOrganizationRequest struct {
	OrganizationID   string `json:"organization_id" binding:"required"`
	BalanceCents     int64  `json:"balance_cents"`
	ThresholdCents   int64  `json:"threshold_cents"`
	TopUpAmountCents int64  `json:"topup_amount_cents"`
	AutoTopUpEnabled bool   `json:"auto_topup_enabled"`
}

func (server *Server) handleCreateOrganization(c *gin.Context) {
	if server.deps.Organizations == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "organization provisioning disabled"})
		return
	}
	var request createOrganizationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	organizationID, err := billing.NewOrganizationID(request.OrganizationID)
	if err != nil {
		server.writeError(c, err)
		return
	}
	organization := billing.Organization{
		ID:               organizationID,
		BalanceCents:     billing.AmountCents(request.BalanceCents),
		ThresholdCents:   billing.AmountCents(request.ThresholdCents),
		TopUpAmountCents: billing.AmountCents(request.TopUpAmountCents),
		AutoTopUpEnabled: request.AutoTopUpEnabled,
	}
	if err := server.deps.Organizations.CreateOrganization(c.Request.Context(), organization); err != nil {
		server.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"organization_id": organizationID.String()})
}

type applyRequest struct {
	UserID            string            `json:"user_id" binding:"required"`
	AmountCents       int64             `json:"amount_cents"`
	Type              string            `json:"type" binding:"required"`
	Description       string            `json:"description"`
	ExternalReference string            `json:"external_reference"`
	Metadata          map[string]string `json:"metadata"`
}

func (server *Server) handleApply(c *gin.Context) {
	organizationID, err := billing.NewOrganizationID(c.Param("organization_id"))
	if err != nil {
		server.writeError(c, err)
		return
	}
	var request applyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		server.writeError(c, err)
		return
	}
	transactionType, err := billing.ParseTransactionType(request.Type)
	if err != nil {
		server.writeError(c, err)
		return
	}
	metadata, err := billing.NewMetadata(request.Metadata)
	if err != nil {
		server.writeError(c, err)
		return
	}
	input, err := billing.NewApplyInput(
		organizationID,
		userID,
		billing.AmountCents(request.AmountCents),
		transactionType,
		request.Description,
		request.ExternalReference,
		metadata,
	)
	if err != nil {
		server.writeError(c, err)
		return
	}
	transaction, err := server.deps.Ledger.Apply(c.Request.Context(), input)
	if err != nil {
		server.writeError(c, err)
		return
	}
	if transaction.AmountCents.IsDebit() {
		server.observeBalance(organizationID)
	}
	c.JSON(http.StatusCreated, transactionResponse(transaction))
}

type usageRequest struct {
	UserID      string            `json:"user_id" binding:"required"`
	Meter       string            `json:"meter" binding:"required"`
	Quantity    int64             `json:"quantity" binding:"required"`
	PriceCents  int64             `json:"price_cents"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

func (server *Server) handleUsage(c *gin.Context) {
	organizationID, err := billing.NewOrganizationID(c.Param("organization_id"))
	if err != nil {
		server.writeError(c, err)
		return
	}
	var request usageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		server.writeError(c, err)
		return
	}
	metadata, err := billing.NewMetadata(request.Metadata)
	if err != nil {
		server.writeError(c, err)
		return
	}
	usage := billing.UsageSpec{
		Meter:      request.Meter,
		Quantity:   request.Quantity,
		PriceCents: billing.AmountCents(request.PriceCents),
	}
	transaction, err := server.deps.Ledger.ApplyUsage(c.Request.Context(), organizationID, userID, usage, request.Description, metadata)
	if err != nil {
		server.writeError(c, err)
		return
	}
	server.observeBalance(organizationID)
	c.JSON(http.StatusCreated, transactionResponse(transaction))
}

func (server *Server) handleBalance(c *gin.Context) {
	organizationID, err := billing.NewOrganizationID(c.Param("organization_id"))
	if err != nil {
		server.writeError(c, err)
		return
	}
	balance, err := server.deps.Ledger.GetBalance(c.Request.Context(), organizationID)
	if err != nil {
		server.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"organization_id": organizationID.String(),
		"balance_cents":   balance.Int64(),
	})
}

func (server *Server) handleListTransactions(c *gin.Context) {
	organizationID, err := billing.NewOrganizationID(c.Param("organization_id"))
	if err != nil {
		server.writeError(c, err)
		return
	}
	before, err := parseInt64Query(c, "before", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseInt64Query(c, "limit", defaultListLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	transactions, err := server.deps.Ledger.ListTransactions(c.Request.Context(), organizationID, before, int(limit))
	if err != nil {
		server.writeError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionResponse(transaction))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (server *Server) handleReconciliation(c *gin.Context) {
	organizationID, err := billing.NewOrganizationID(c.Param("organization_id"))
	if err != nil {
		server.writeError(c, err)
		return
	}
	report, err := server.deps.Ledger.VerifyConsistency(c.Request.Context(), organizationID)
	if err != nil {
		server.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"organization_balance_cents": report.OrganizationCents.Int64(),
		"transaction_balance_cents":  report.TransactionSumCents.Int64(),
		"difference_cents":           report.DifferenceCents.Int64(),
		"is_consistent":              report.Consistent,
	})
}

type webhookRequest struct {
	ID             string            `json:"id" binding:"required"`
	Type           string            `json:"type" binding:"required"`
	OrganizationID string            `json:"organization_id" binding:"required"`
	AmountCents    int64             `json:"amount_cents"`
	CreatedUnixUTC int64             `json:"created" binding:"required"`
	Data           map[string]string `json:"data"`
}

func (server *Server) handlePaymentWebhook(c *gin.Context) {
	var request webhookRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	organizationID, err := billing.NewOrganizationID(request.OrganizationID)
	if err != nil {
		server.writeError(c, err)
		return
	}
	transactionType, err := transactionTypeForEvent(request.Type)
	if err != nil {
		server.writeError(c, err)
		return
	}
	event := payevent.PaymentEvent{
		ID:             request.ID,
		Type:           request.Type,
		OrganizationID: organizationID.String(),
		AmountCents:    request.AmountCents,
		CreatedUnixUTC: request.CreatedUnixUTC,
		Data:           request.Data,
	}
	result, err := server.deps.Deduplicator.ProcessOnce(c.Request.Context(), event, func(ctx context.Context, event payevent.PaymentEvent) error {
		userID, err := billing.NewUserID(webhookUserID)
		if err != nil {
			return err
		}
		metadata, err := billing.NewMetadata(event.Data)
		if err != nil {
			return err
		}
		input, err := billing.NewApplyInput(
			organizationID,
			userID,
			billing.AmountCents(event.AmountCents),
			transactionType,
			"payment event "+event.Type,
			event.ID,
			metadata,
		)
		if err != nil {
			return err
		}
		_, err = server.deps.Ledger.Apply(ctx, input)
		return err
	})
	if errors.Is(err, payevent.ErrEventInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "event is being processed"})
		return
	}
	if err != nil && !result.Duplicate {
		server.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"duplicate": result.Duplicate,
		"status":    result.Status.String(),
	})
}

// observeBalance kicks off one asynchronous top-up trigger cycle after a
// debit. Outcomes never propagate to the request that triggered them.
func (server *Server) observeBalance(organizationID billing.OrganizationID) {
	if server.deps.TopUps == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), topUpObserveTimeout)
		defer cancel()
		outcome, err := server.deps.TopUps.MaybeTopUp(ctx, organizationID)
		if err != nil {
			server.deps.Logger.Warn("top-up trigger cycle failed",
				zap.String("organization_id", organizationID.String()),
				zap.Error(err))
			return
		}
		if outcome != topup.OutcomeSkipped {
			server.deps.Logger.Info("top-up trigger cycle finished",
				zap.String("organization_id", organizationID.String()),
				zap.String("outcome", string(outcome)))
		}
	}()
}

func transactionTypeForEvent(eventType string) (billing.TransactionType, error) {
	switch eventType {
	case "charge.succeeded", "payment.succeeded":
		return billing.TransactionPurchase, nil
	case "topup.succeeded":
		return billing.TransactionAutoTopUp, nil
	case "charge.refunded":
		return billing.TransactionRefund, nil
	}
	return "", billing.ErrInvalidTransactionType
}

func transactionResponse(transaction billing.CreditTransaction) gin.H {
	return gin.H{
		"transaction_id":      transaction.TransactionID,
		"organization_id":     transaction.OrganizationID.String(),
		"user_id":             transaction.UserID.String(),
		"type":                transaction.Type.String(),
		"amount_cents":        transaction.AmountCents.Int64(),
		"balance_after_cents": transaction.BalanceAfterCents.Int64(),
		"description":         transaction.Description,
		"external_reference":  transaction.ExternalReference,
		"metadata":            transaction.Metadata,
		"created":             transaction.CreatedUnixUTC,
	}
}

func parseInt64Query(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
