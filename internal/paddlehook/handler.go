// Package paddlehook turns Paddle billing webhooks into credit operations.
package paddlehook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

const (
	eventTransactionCompleted  = "transaction.completed"
	eventTransactionRefunded   = "transaction.refunded"
	eventSubscriptionActivated = "subscription.activated"
	eventSubscriptionUpdated   = "subscription.updated"
	eventSubscriptionCanceled  = "subscription.canceled"

	idempotencyKeyPrefix = "paddle_txn_"
	maxBodyBytes         = 1 << 20
)

// Handler validates webhook deliveries and applies them to the credit engine.
//
// Failed deliveries return non-2xx so Paddle retries; the engine's dedup
// makes those retries safe.
type Handler struct {
	service *credits.Service
	store   credits.Store
	prices  credits.PriceResolver
	secret  []byte
	logger  *zap.Logger
	nowFn   func() int64
}

// NewHandler wires a webhook handler.
func NewHandler(service *credits.Service, store credits.Store, prices credits.PriceResolver, secret string, logger *zap.Logger) (*Handler, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Handler{
		service: service,
		store:   store,
		prices:  prices,
		secret:  []byte(secret),
		logger:  logger.Named("paddlehook"),
		nowFn:   func() int64 { return time.Now().UTC().Unix() },
	}, nil
}

type webhookEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type transactionData struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Items          []struct {
		Quantity int64 `json:"quantity"`
		Price    struct {
			ID        string `json:"id"`
			ProductID string `json:"product_id"`
		} `json:"price"`
	} `json:"items"`
	CustomData customData `json:"custom_data"`
}

type subscriptionData struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	Status       string `json:"status"`
	BillingCycle struct {
		Interval string `json:"interval"`
	} `json:"billing_cycle"`
	CurrentBillingPeriod struct {
		StartsAt time.Time `json:"starts_at"`
		EndsAt   time.Time `json:"ends_at"`
	} `json:"current_billing_period"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
	CustomData customData `json:"custom_data"`
}

type customData struct {
	UserID string `json:"user_id"`
}

// Handle is the gin endpoint for POST /webhooks/paddle.
func (handler *Handler) Handle(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := verifySignature(ctx.GetHeader("Paddle-Signature"), body, handler.secret, handler.nowFn()); err != nil {
		handler.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	switch envelope.EventType {
	case eventTransactionCompleted:
		err = handler.handleTransactionCompleted(ctx.Request.Context(), envelope.Data)
	case eventTransactionRefunded:
		err = handler.handleTransactionRefunded(ctx.Request.Context(), envelope.Data)
	case eventSubscriptionActivated, eventSubscriptionUpdated:
		err = handler.handleSubscriptionChanged(ctx.Request.Context(), envelope.Data)
	case eventSubscriptionCanceled:
		err = handler.handleSubscriptionCanceled(ctx.Request.Context(), envelope.Data)
	default:
		// Unknown events acknowledge immediately so Paddle stops retrying.
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		handler.logger.Error("webhook processing failed",
			zap.String("event_id", envelope.EventID),
			zap.String("event_type", envelope.EventType),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *Handler) handleTransactionCompleted(ctx context.Context, data json.RawMessage) error {
	var transaction transactionData
	if err := json.Unmarshal(data, &transaction); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	userID, err := credits.NewUserID(transaction.CustomData.UserID)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", transaction.ID, err)
	}
	if err := handler.store.CreateAccount(ctx, credits.Account{UserID: userID.String()}); err != nil {
		return err
	}

	entryType := credits.EntryPurchase
	if transaction.SubscriptionID != "" {
		entryType = credits.EntrySubscriptionCredit
	}
	total := credits.Amount(0)
	priceID := ""
	productID := ""
	for _, item := range transaction.Items {
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		perUnit, ok := handler.prices.MonthlyCredits(item.Price.ID)
		if !ok {
			return fmt.Errorf("transaction %s: %w: %q", transaction.ID, credits.ErrUnknownPrice, item.Price.ID)
		}
		total += perUnit * credits.Amount(quantity)
		priceID = item.Price.ID
		productID = item.Price.ProductID
	}

	_, err = handler.service.AddCredits(ctx, credits.AddRequest{
		UserID:      userID,
		Amount:      total,
		Type:        entryType,
		Description: "paddle transaction " + transaction.ID,
		Source:      credits.SourcePaddleWebhook,
		Correlation: credits.Correlation{
			TransactionID:  transaction.ID,
			SubscriptionID: transaction.SubscriptionID,
			CustomerID:     transaction.CustomerID,
			PriceID:        priceID,
			ProductID:      productID,
		},
		IdempotencyKey: idempotencyKeyPrefix + transaction.ID,
	})
	return err
}

func (handler *Handler) handleTransactionRefunded(ctx context.Context, data json.RawMessage) error {
	var transaction transactionData
	if err := json.Unmarshal(data, &transaction); err != nil {
		return fmt.Errorf("decode transaction: %w", err)
	}
	userID, err := credits.NewUserID(transaction.CustomData.UserID)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", transaction.ID, err)
	}

	original, err := handler.store.FindEntryByTransaction(ctx, transaction.ID, credits.TypeClassGrant)
	if err != nil {
		return err
	}
	amount := credits.Amount(0)
	relatedRef := ""
	if original != nil {
		amount = original.Amount
		relatedRef = original.TransactionRef
	} else {
		for _, item := range transaction.Items {
			quantity := item.Quantity
			if quantity <= 0 {
				quantity = 1
			}
			perUnit, ok := handler.prices.MonthlyCredits(item.Price.ID)
			if !ok {
				return fmt.Errorf("transaction %s: %w: %q", transaction.ID, credits.ErrUnknownPrice, item.Price.ID)
			}
			amount += perUnit * credits.Amount(quantity)
		}
	}

	_, err = handler.service.RefundCredits(ctx, credits.RefundRequest{
		UserID:        userID,
		Amount:        amount,
		Description:   "paddle refund " + transaction.ID,
		RelatedRef:    relatedRef,
		TransactionID: transaction.ID,
		Source:        credits.SourcePaddleWebhook,
	})
	return err
}

func (handler *Handler) handleSubscriptionChanged(ctx context.Context, data json.RawMessage) error {
	subscription, userID, err := decodeSubscription(data)
	if err != nil {
		return err
	}
	if err := handler.store.CreateAccount(ctx, credits.Account{UserID: userID.String()}); err != nil {
		return err
	}
	state := subscriptionState(subscription)

	// Annual plans drip monthly. The purchase transaction already granted the
	// first installment, so a fresh schedule starts one interval after the
	// period opens rather than at the period start.
	if state.Status == credits.SubscriptionStatusActive && state.BillingCycle == credits.BillingCycleYear {
		account, err := handler.store.GetAccount(ctx, userID.String())
		if err != nil {
			return err
		}
		state.NextCreditDate = account.Subscription.NextCreditDate
		state.LastCreditDate = account.Subscription.LastCreditDate
		if state.NextCreditDate == 0 {
			state.NextCreditDate = subscription.CurrentBillingPeriod.StartsAt.UTC().Unix() + credits.MonthlyCreditIntervalSeconds
		}
	}
	return handler.store.UpdateSubscription(ctx, userID.String(), state)
}

func (handler *Handler) handleSubscriptionCanceled(ctx context.Context, data json.RawMessage) error {
	subscription, userID, err := decodeSubscription(data)
	if err != nil {
		return err
	}
	state := subscriptionState(subscription)
	state.NextCreditDate = 0
	return handler.store.UpdateSubscription(ctx, userID.String(), state)
}

func decodeSubscription(data json.RawMessage) (subscriptionData, credits.UserID, error) {
	var subscription subscriptionData
	if err := json.Unmarshal(data, &subscription); err != nil {
		return subscriptionData{}, credits.UserID{}, fmt.Errorf("decode subscription: %w", err)
	}
	userID, err := credits.NewUserID(subscription.CustomData.UserID)
	if err != nil {
		return subscriptionData{}, credits.UserID{}, fmt.Errorf("subscription %s: %w", subscription.ID, err)
	}
	return subscription, userID, nil
}

func subscriptionState(subscription subscriptionData) credits.Subscription {
	priceID := ""
	if len(subscription.Items) > 0 {
		priceID = subscription.Items[0].Price.ID
	}
	periodEnd := int64(0)
	if !subscription.CurrentBillingPeriod.EndsAt.IsZero() {
		periodEnd = subscription.CurrentBillingPeriod.EndsAt.UTC().Unix()
	}
	return credits.Subscription{
		SubscriptionID:   subscription.ID,
		CustomerID:       subscription.CustomerID,
		PriceID:          priceID,
		Status:           subscription.Status,
		BillingCycle:     subscription.BillingCycle.Interval,
		CurrentPeriodEnd: periodEnd,
	}
}
