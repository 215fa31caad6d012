package services

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/papertrade/backend/internal/models"
)

type PortfolioService struct {
	db *sql.DB
}

func NewPortfolioService(db *sql.DB) *PortfolioService {
	return &PortfolioService{db: db}
}

// GetPortfolio lists the caller's open positions.
func (ps *PortfolioService) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	positions, err := ps.fetchPositions(userID)
	if err != nil {
		log.Printf("[PORTFOLIO] Fetch failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Error fetching portfolio", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(positions),
		"data":    positions,
	})
}

// GetPortfolioSummary combines the cash balance with the open positions into
// one overview payload.
func (ps *PortfolioService) GetPortfolioSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var balance decimal.Decimal
	err := ps.db.QueryRow(`SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PORTFOLIO] Balance lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Error fetching portfolio summary", http.StatusInternalServerError, nil)
		return
	}

	positions, err := ps.fetchPositions(userID)
	if err != nil {
		log.Printf("[PORTFOLIO] Fetch failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Error fetching portfolio summary", http.StatusInternalServerError, nil)
		return
	}

	totalInvested := decimal.Zero
	for _, p := range positions {
		totalInvested = totalInvested.Add(p.TotalInvested)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"cashBalance":   balance,
			"totalCryptos":  len(positions),
			"totalInvested": totalInvested,
			"cryptos":       positions,
		},
	})
}

func (ps *PortfolioService) fetchPositions(userID string) ([]models.Position, error) {
	rows, err := ps.db.Query(`
		SELECT id, user_id, crypto_id, crypto_symbol, crypto_name, amount, average_price, total_invested, last_updated
		FROM positions WHERE user_id = $1
		ORDER BY total_invested DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []models.Position{}
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.CryptoID, &p.CryptoSymbol, &p.CryptoName,
			&p.Amount, &p.AveragePrice, &p.TotalInvested, &p.LastUpdated); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
