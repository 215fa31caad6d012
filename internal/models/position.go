package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the aggregate holding of one user in one asset, carried at
// weighted-average cost. Buys blend into AveragePrice; sells leave it
// untouched and shrink TotalInvested proportionally. A position that reaches
// zero quantity is deleted, never stored.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"userId" db:"user_id"`
	CryptoID      string          `json:"cryptoId" db:"crypto_id"`
	CryptoSymbol  string          `json:"cryptoSymbol" db:"crypto_symbol"`
	CryptoName    string          `json:"cryptoName" db:"crypto_name"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	AveragePrice  decimal.Decimal `json:"averagePrice" db:"average_price"`
	TotalInvested decimal.Decimal `json:"totalInvested" db:"total_invested"`
	LastUpdated   time.Time       `json:"lastUpdated" db:"last_updated"`
}
