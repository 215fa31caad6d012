package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/backend/internal/database"
	"github.com/papertrade/backend/internal/models"
)

// Business-rule sentinels surfaced to handlers as 400s.
var (
	ErrInsufficientFunds    = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient coins in portfolio")
	ErrUserNotFound         = errors.New("user not found")
)

type TransactionService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewTransactionService(db *sql.DB) *TransactionService {
	return &TransactionService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// OrderRequest is a single buy or sell order at a client-supplied live price.
type OrderRequest struct {
	Type         string          `json:"type" validate:"required,oneof=buy sell"`
	CryptoID     string          `json:"cryptoId" validate:"required,max=100"`
	CryptoSymbol string          `json:"cryptoSymbol" validate:"required,max=10"`
	CryptoName   string          `json:"cryptoName" validate:"required,max=100"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
}

// CreateTransaction executes a buy/sell order for the authenticated user.
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req OrderRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !req.Amount.IsPositive() || !req.Price.IsPositive() {
		SendErrorResponse(w, "Amount and price must be greater than 0", http.StatusBadRequest, nil)
		return
	}

	entry, newBalance, err := ts.executeOrder(r.Context(), userID, &req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient balance", http.StatusBadRequest, nil)
		case errors.Is(err, ErrInsufficientHoldings):
			SendErrorResponse(w, "Insufficient coins in portfolio", http.StatusBadRequest, nil)
		case errors.Is(err, ErrUserNotFound):
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		default:
			log.Printf("[TRANSACTION] Order execution failed for user %s: %v", userID, err)
			SendErrorResponse(w, "Error creating transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	log.Printf("[TRANSACTION] %s order executed - user: %s, asset: %s, amount: %s, price: %s",
		entry.Type, userID, entry.CryptoID, entry.Amount, entry.Price)
	SendJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Transaction created successfully",
		"data": map[string]any{
			"transaction": entry,
			"newBalance":  newBalance,
		},
	})
}

// executeOrder runs the whole order in one database transaction: lock the
// account row, check funds or holdings, move the balance, append the ledger
// entry, then fold the trade into the position. Any failure rolls the entire
// order back, so there is no partially applied state to compensate.
//
// Buys blend into the weighted-average cost basis. Sells keep the average
// price and shrink totalInvested to quantity x average; a position sold down
// to exactly zero is deleted.
func (ts *TransactionService) executeOrder(ctx context.Context, userID string, req *OrderRequest) (*models.LedgerEntry, decimal.Decimal, error) {
	total := req.Amount.Mul(req.Price)
	entry := &models.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         req.Type,
		CryptoID:     req.CryptoID,
		CryptoSymbol: strings.ToUpper(req.CryptoSymbol),
		CryptoName:   req.CryptoName,
		Amount:       req.Amount,
		Price:        req.Price,
		TotalValue:   total,
		CreatedAt:    time.Now().UTC(),
	}

	var newBalance decimal.Decimal

	err := database.WithTx(ctx, ts.db, func(tx *sql.Tx) error {
		// Account row first, position row second; every order takes the
		// locks in this order so concurrent orders cannot deadlock.
		var balance decimal.Decimal
		var version int
		err := tx.QueryRow(`SELECT balance, version FROM users WHERE id = $1 FOR UPDATE`, userID).
			Scan(&balance, &version)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock account: %w", err)
		}

		var pos *models.Position
		pos, err = lockPosition(tx, userID, req.CryptoID)
		if err != nil {
			return fmt.Errorf("lock position: %w", err)
		}

		switch req.Type {
		case "buy":
			if balance.LessThan(total) {
				return ErrInsufficientFunds
			}
			newBalance = balance.Sub(total)
		case "sell":
			if pos == nil || pos.Amount.LessThan(req.Amount) {
				return ErrInsufficientHoldings
			}
			newBalance = balance.Add(total)
		default:
			return fmt.Errorf("unknown order type %q", req.Type)
		}

		if err := updateBalance(tx, userID, newBalance, version); err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT INTO transactions (id, user_id, type, crypto_id, crypto_symbol, crypto_name, amount, price, total_value, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entry.ID, entry.UserID, entry.Type, entry.CryptoID, entry.CryptoSymbol, entry.CryptoName,
			entry.Amount, entry.Price, entry.TotalValue, entry.CreatedAt); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if req.Type == "buy" {
			return applyBuy(tx, pos, entry, total)
		}
		return applySell(tx, pos, req.Amount)
	})
	if err != nil {
		return nil, decimal.Decimal{}, err
	}

	return entry, newBalance, nil
}

// lockPosition returns the caller's position in the asset under a row lock,
// or nil when no position exists yet.
func lockPosition(tx *sql.Tx, userID, cryptoID string) (*models.Position, error) {
	var pos models.Position
	err := tx.QueryRow(`
		SELECT id, amount, average_price, total_invested FROM positions
		WHERE user_id = $1 AND crypto_id = $2 FOR UPDATE`,
		userID, cryptoID).Scan(&pos.ID, &pos.Amount, &pos.AveragePrice, &pos.TotalInvested)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func updateBalance(tx *sql.Tx, userID string, newBalance decimal.Decimal, version int) error {
	result, err := tx.Exec(`
		UPDATE users SET balance = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3`,
		newBalance, userID, version)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for user %s", userID)
	}
	return nil
}

func applyBuy(tx *sql.Tx, pos *models.Position, entry *models.LedgerEntry, total decimal.Decimal) error {
	if pos == nil {
		_, err := tx.Exec(`
			INSERT INTO positions (id, user_id, crypto_id, crypto_symbol, crypto_name, amount, average_price, total_invested, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
			uuid.New().String(), entry.UserID, entry.CryptoID, entry.CryptoSymbol, entry.CryptoName,
			entry.Amount, entry.Price, total)
		if err != nil {
			return fmt.Errorf("create position: %w", err)
		}
		return nil
	}

	newTotalInvested := pos.TotalInvested.Add(total)
	newAmount := pos.Amount.Add(entry.Amount)
	newAveragePrice := newTotalInvested.Div(newAmount)

	_, err := tx.Exec(`
		UPDATE positions SET amount = $1, average_price = $2, total_invested = $3, last_updated = NOW()
		WHERE id = $4`,
		newAmount, newAveragePrice, newTotalInvested, pos.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

func applySell(tx *sql.Tx, pos *models.Position, amount decimal.Decimal) error {
	newAmount := pos.Amount.Sub(amount)
	if newAmount.IsZero() {
		if _, err := tx.Exec(`DELETE FROM positions WHERE id = $1`, pos.ID); err != nil {
			return fmt.Errorf("delete emptied position: %w", err)
		}
		return nil
	}

	// Average cost is preserved on a sell; only quantity and the invested
	// total shrink.
	newTotalInvested := newAmount.Mul(pos.AveragePrice)
	_, err := tx.Exec(`
		UPDATE positions SET amount = $1, total_invested = $2, last_updated = NOW()
		WHERE id = $3`,
		newAmount, newTotalInvested, pos.ID)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

// ListTransactions returns the caller's ledger, newest first, with optional
// cryptoId/type filters and limit/page pagination.
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	cryptoID := r.URL.Query().Get("cryptoId")
	txType := r.URL.Query().Get("type")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}

	if txType != "" && txType != "buy" && txType != "sell" {
		SendErrorResponse(w, `Transaction type must be either "buy" or "sell"`, http.StatusBadRequest, nil)
		return
	}

	conditions := []string{"user_id = $1"}
	args := []any{userID}
	argIndex := 2

	if cryptoID != "" {
		conditions = append(conditions, fmt.Sprintf("crypto_id = $%d", argIndex))
		args = append(args, cryptoID)
		argIndex++
	}
	if txType != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, txType)
		argIndex++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := ts.db.QueryRow("SELECT COUNT(*) FROM transactions WHERE "+where, args...).Scan(&total); err != nil {
		log.Printf("[TRANSACTION] Count query failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Error fetching transactions", http.StatusInternalServerError, nil)
		return
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, type, crypto_id, crypto_symbol, crypto_name, amount, price, total_value, created_at
		FROM transactions WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, argIndex, argIndex+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := ts.db.Query(query, args...)
	if err != nil {
		log.Printf("[TRANSACTION] List query failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Error fetching transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.CryptoID, &e.CryptoSymbol, &e.CryptoName,
			&e.Amount, &e.Price, &e.TotalValue, &e.CreatedAt); err != nil {
			log.Printf("[TRANSACTION] Row scan failed: %v", err)
			SendErrorResponse(w, "Error fetching transactions", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, e)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(entries),
		"total":   total,
		"page":    page,
		"pages":   int(math.Ceil(float64(total) / float64(limit))),
		"data":    entries,
	})
}

// GetTransaction returns one ledger entry, scoped to the caller.
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	id := chi.URLParam(r, "id")

	var e models.LedgerEntry
	err := ts.db.QueryRow(`
		SELECT id, user_id, type, crypto_id, crypto_symbol, crypto_name, amount, price, total_value, created_at
		FROM transactions WHERE id = $1 AND user_id = $2`,
		id, userID).Scan(&e.ID, &e.UserID, &e.Type, &e.CryptoID, &e.CryptoSymbol, &e.CryptoName,
		&e.Amount, &e.Price, &e.TotalValue, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[TRANSACTION] Fetch failed for %s: %v", id, err)
		SendErrorResponse(w, "Error fetching transaction", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    e,
	})
}
