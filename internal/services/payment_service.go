package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/papertrade/backend/internal/database"
	"github.com/papertrade/backend/internal/payments"
)

const maxWebhookBodyBytes = 65536

type PaymentService struct {
	db         *sql.DB
	provider   payments.Provider
	validator  *ValidationHelper
	minDeposit decimal.Decimal
}

func NewPaymentService(db *sql.DB, provider payments.Provider) *PaymentService {
	viper.SetDefault("payments.min_deposit", "1")
	min, err := decimal.NewFromString(viper.GetString("payments.min_deposit"))
	if err != nil || !min.IsPositive() {
		min = decimal.NewFromInt(1)
	}
	return &PaymentService{
		db:         db,
		provider:   provider,
		validator:  NewValidationHelper(),
		minDeposit: min,
	}
}

type createIntentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

// CreatePaymentIntent opens a deposit with the payment provider. The user id
// and the amount are stamped into the intent metadata so both reconciliation
// paths can verify ownership and credit the right amount later.
func (ps *PaymentService) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req createIntentRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if req.Amount.LessThan(ps.minDeposit) {
		SendErrorResponse(w, fmt.Sprintf("Minimum deposit amount is $%s", ps.minDeposit), http.StatusBadRequest, nil)
		return
	}

	cents := req.Amount.Shift(2).Round(0).IntPart()
	intent, err := ps.provider.CreateIntent(cents, map[string]string{
		"userId": userID,
		"amount": req.Amount.String(),
	})
	if err != nil {
		log.Printf("[PAYMENT] Intent creation failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Payment provider unavailable", http.StatusBadGateway, nil)
		return
	}

	log.Printf("[PAYMENT] Intent %s created - user: %s, amount: %s", intent.ID, userID, req.Amount)
	SendJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"clientSecret":    intent.ClientSecret,
		"paymentIntentId": intent.ID,
	})
}

// ConfirmPayment reports the current provider status for an intent the caller
// owns. It does not credit; crediting happens in GetPaymentStatus and the
// webhook.
func (ps *PaymentService) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req confirmPaymentRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	intent, err := ps.provider.GetIntent(req.PaymentIntentID)
	if err != nil {
		log.Printf("[PAYMENT] Intent lookup failed for %s: %v", req.PaymentIntentID, err)
		SendErrorResponse(w, "Payment provider unavailable", http.StatusBadGateway, nil)
		return
	}
	if intent.Metadata["userId"] != userID {
		SendErrorResponse(w, "Payment does not belong to this account", http.StatusForbidden, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  intent.Status,
		"amount":  decimal.New(intent.Amount, -2),
	})
}

// GetPaymentStatus polls the provider for an intent and, when it has
// succeeded, credits the deposit. Safe to call any number of times; the
// processed-payments record guarantees the balance moves once.
func (ps *PaymentService) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	intentID := r.URL.Query().Get("paymentIntentId")
	if intentID == "" {
		SendErrorResponse(w, "paymentIntentId query parameter is required", http.StatusBadRequest, nil)
		return
	}

	intent, err := ps.provider.GetIntent(intentID)
	if err != nil {
		log.Printf("[PAYMENT] Intent lookup failed for %s: %v", intentID, err)
		SendErrorResponse(w, "Payment provider unavailable", http.StatusBadGateway, nil)
		return
	}
	if intent.Metadata["userId"] != userID {
		SendErrorResponse(w, "Payment does not belong to this account", http.StatusForbidden, nil)
		return
	}

	if intent.Status != payments.StatusSucceeded {
		SendJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  intent.Status,
			"paid":    false,
		})
		return
	}

	amount, err := decimal.NewFromString(intent.Metadata["amount"])
	if err != nil || !amount.IsPositive() {
		SendErrorResponse(w, "Invalid payment amount", http.StatusBadRequest, nil)
		return
	}

	newBalance, credited, err := ps.creditDeposit(r.Context(), intent.ID, userID, amount)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PAYMENT] Credit failed for intent %s: %v", intent.ID, err)
		SendErrorResponse(w, "Error crediting deposit", http.StatusInternalServerError, nil)
		return
	}

	if credited {
		log.Printf("[PAYMENT] Deposit credited - intent: %s, user: %s, amount: %s", intent.ID, userID, amount)
	}
	SendJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"status":          intent.Status,
		"amount":          amount,
		"paid":            true,
		"newBalance":      newBalance,
		"alreadyCredited": !credited,
	})
}

// HandleWebhook receives provider events. The signature is verified before
// the payload is trusted. A crediting failure still returns 200 after being
// logged; the poll path picks the deposit up on the next status check.
func (ps *PaymentService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Error reading request body", http.StatusBadRequest, nil)
		return
	}

	eventType, intent, err := ps.provider.VerifyWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Printf("[WEBHOOK] Verification failed: %v", err)
		SendErrorResponse(w, "Webhook verification failed", http.StatusBadRequest, nil)
		return
	}

	switch eventType {
	case payments.EventIntentSucceeded:
		userID := intent.Metadata["userId"]
		amount, amtErr := decimal.NewFromString(intent.Metadata["amount"])
		if userID == "" || amtErr != nil || !amount.IsPositive() {
			log.Printf("[WEBHOOK] Intent %s has invalid metadata, skipping credit", intent.ID)
			break
		}
		_, credited, err := ps.creditDeposit(r.Context(), intent.ID, userID, amount)
		if err != nil {
			log.Printf("[WEBHOOK] Credit failed for intent %s: %v", intent.ID, err)
		} else if credited {
			log.Printf("[WEBHOOK] Deposit credited - intent: %s, user: %s, amount: %s", intent.ID, userID, amount)
		}
	case payments.EventIntentFailed:
		log.Printf("[WEBHOOK] Payment failed - intent: %s", intent.ID)
	default:
		log.Printf("[WEBHOOK] Ignoring event type %s", eventType)
	}

	SendJSON(w, http.StatusOK, map[string]any{"received": true})
}

// creditDeposit applies a deposit exactly once. The processed-payments insert
// and the balance update commit in the same transaction, so whichever of the
// webhook and the poll path lands first wins and the other sees the conflict
// and leaves the balance alone.
func (ps *PaymentService) creditDeposit(ctx context.Context, intentID, userID string, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	var newBalance decimal.Decimal
	credited := false

	err := database.WithTx(ctx, ps.db, func(tx *sql.Tx) error {
		result, err := tx.Exec(`
			INSERT INTO processed_payments (payment_intent_id, user_id, amount, processed_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (payment_intent_id) DO NOTHING`,
			intentID, userID, amount)
		if err != nil {
			return fmt.Errorf("record payment: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rowsAffected == 0 {
			// Already credited by the other reconciliation path.
			err := tx.QueryRow(`SELECT balance FROM users WHERE id = $1`, userID).Scan(&newBalance)
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return err
		}

		err = tx.QueryRow(`
			UPDATE users SET balance = balance + $1, version = version + 1, updated_at = NOW()
			WHERE id = $2
			RETURNING balance`,
			amount, userID).Scan(&newBalance)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return fmt.Errorf("credit balance: %w", err)
		}
		credited = true
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return newBalance, credited, nil
}
