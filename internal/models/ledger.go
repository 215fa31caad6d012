package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is the immutable record of one executed buy or sell order.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"userId" db:"user_id"`
	Type         string          `json:"type" db:"type"` // buy or sell
	CryptoID     string          `json:"cryptoId" db:"crypto_id"`
	CryptoSymbol string          `json:"cryptoSymbol" db:"crypto_symbol"`
	CryptoName   string          `json:"cryptoName" db:"crypto_name"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Price        decimal.Decimal `json:"price" db:"price"`
	TotalValue   decimal.Decimal `json:"totalValue" db:"total_value"`
	CreatedAt    time.Time       `json:"timestamp" db:"created_at"`
}
