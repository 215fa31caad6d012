package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/papertrade/backend/internal/payments"
)

func succeededIntent(userID, amount string) *payments.Intent {
	return &payments.Intent{
		ID:           "pi_123",
		ClientSecret: "pi_123_secret",
		Status:       payments.StatusSucceeded,
		Amount:       10000,
		Metadata:     map[string]string{"userId": userID, "amount": amount},
	}
}

func authedPaymentRequest(method, target string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewBuffer(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	return r.WithContext(context.WithValue(r.Context(), "userID", testUserID))
}

func TestPaymentService_CreatePaymentIntent(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	t.Run("creates intent with ownership metadata", func(t *testing.T) {
		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("CreateIntent", int64(10000), map[string]string{
			"userId": testUserID,
			"amount": "100",
		}).Return(succeededIntent(testUserID, "100"), nil)

		w := httptest.NewRecorder()
		service.CreatePaymentIntent(w, authedPaymentRequest("POST", "/api/payments/create-payment-intent",
			[]byte(`{"amount":"100"}`)))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "pi_123_secret", response["clientSecret"])
		assert.Equal(t, "pi_123", response["paymentIntentId"])
		provider.AssertExpectations(t)
	})

	t.Run("rejects deposits below the minimum", func(t *testing.T) {
		service := NewPaymentService(db, &MockProvider{})

		w := httptest.NewRecorder()
		service.CreatePaymentIntent(w, authedPaymentRequest("POST", "/api/payments/create-payment-intent",
			[]byte(`{"amount":"0.50"}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Contains(t, response.Message, "Minimum deposit")
	})

	t.Run("provider failure maps to 502", func(t *testing.T) {
		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("CreateIntent", int64(10000), map[string]string{
			"userId": testUserID,
			"amount": "100",
		}).Return(nil, errors.New("stripe down"))

		w := httptest.NewRecorder()
		service.CreatePaymentIntent(w, authedPaymentRequest("POST", "/api/payments/create-payment-intent",
			[]byte(`{"amount":"100"}`)))

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestPaymentService_GetPaymentStatus(t *testing.T) {
	t.Run("succeeded payment credits the balance once", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("GetIntent", "pi_123").Return(succeededIntent(testUserID, "100"), nil)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_payments").
			WithArgs("pi_123", testUserID, "100").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("UPDATE users SET balance = balance").
			WithArgs("100", testUserID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("350"))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.GetPaymentStatus(w, authedPaymentRequest("GET", "/api/payments/payment-status?paymentIntentId=pi_123", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["paid"])
		assert.Equal(t, false, response["alreadyCredited"])
		assert.Equal(t, "350", response["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second check reports already credited without moving funds", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("GetIntent", "pi_123").Return(succeededIntent(testUserID, "100"), nil)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_payments").
			WithArgs("pi_123", testUserID, "100").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT balance FROM users").
			WithArgs(testUserID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("350"))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		service.GetPaymentStatus(w, authedPaymentRequest("GET", "/api/payments/payment-status?paymentIntentId=pi_123", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["paid"])
		assert.Equal(t, true, response["alreadyCredited"])
		assert.Equal(t, "350", response["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("someone else's intent is refused", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("GetIntent", "pi_123").Return(succeededIntent("another-user", "100"), nil)

		w := httptest.NewRecorder()
		service.GetPaymentStatus(w, authedPaymentRequest("GET", "/api/payments/payment-status?paymentIntentId=pi_123", nil))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("pending payment reports unpaid", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		intent := succeededIntent(testUserID, "100")
		intent.Status = "requires_payment_method"
		provider.On("GetIntent", "pi_123").Return(intent, nil)

		w := httptest.NewRecorder()
		service.GetPaymentStatus(w, authedPaymentRequest("GET", "/api/payments/payment-status?paymentIntentId=pi_123", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, false, response["paid"])
	})

	t.Run("missing query parameter", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewPaymentService(db, &MockProvider{})

		w := httptest.NewRecorder()
		service.GetPaymentStatus(w, authedPaymentRequest("GET", "/api/payments/payment-status", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymentService_HandleWebhook(t *testing.T) {
	t.Run("succeeded event credits the deposit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		payload := []byte(`{"id":"evt_1"}`)
		provider.On("VerifyWebhook", payload, "sig_valid").
			Return(payments.EventIntentSucceeded, succeededIntent(testUserID, "100"), nil)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_payments").
			WithArgs("pi_123", testUserID, "100").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("UPDATE users SET balance = balance").
			WithArgs("100", testUserID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("350"))
		mock.ExpectCommit()

		r := httptest.NewRequest("POST", "/api/payments/webhook", bytes.NewBuffer(payload))
		r.Header.Set("Stripe-Signature", "sig_valid")
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["received"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("webhook after poll does not double credit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		payload := []byte(`{"id":"evt_1"}`)
		provider.On("VerifyWebhook", payload, "sig_valid").
			Return(payments.EventIntentSucceeded, succeededIntent(testUserID, "100"), nil)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_payments").
			WithArgs("pi_123", testUserID, "100").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT balance FROM users").
			WithArgs(testUserID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("350"))
		mock.ExpectCommit()

		r := httptest.NewRequest("POST", "/api/payments/webhook", bytes.NewBuffer(payload))
		r.Header.Set("Stripe-Signature", "sig_valid")
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad signature is rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		payload := []byte(`{"id":"evt_1"}`)
		provider.On("VerifyWebhook", payload, "sig_bad").
			Return("", nil, errors.New("webhook signature verification: no match"))

		r := httptest.NewRequest("POST", "/api/payments/webhook", bytes.NewBuffer(payload))
		r.Header.Set("Stripe-Signature", "sig_bad")
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("failed payment event is acknowledged without crediting", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		payload := []byte(`{"id":"evt_2"}`)
		intent := succeededIntent(testUserID, "100")
		intent.Status = "requires_payment_method"
		provider.On("VerifyWebhook", payload, "sig_valid").
			Return(payments.EventIntentFailed, intent, nil)

		r := httptest.NewRequest("POST", "/api/payments/webhook", bytes.NewBuffer(payload))
		r.Header.Set("Stripe-Signature", "sig_valid")
		w := httptest.NewRecorder()

		service.HandleWebhook(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentService_ConfirmPayment(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	t.Run("reports provider status", func(t *testing.T) {
		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("GetIntent", "pi_123").Return(succeededIntent(testUserID, "100"), nil)

		w := httptest.NewRecorder()
		service.ConfirmPayment(w, authedPaymentRequest("POST", "/api/payments/confirm-payment",
			[]byte(`{"paymentIntentId":"pi_123"}`)))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, payments.StatusSucceeded, response["status"])
		assert.Equal(t, "100", response["amount"])
	})

	t.Run("ownership is enforced", func(t *testing.T) {
		provider := &MockProvider{}
		service := NewPaymentService(db, provider)

		provider.On("GetIntent", "pi_123").Return(succeededIntent("another-user", "100"), nil)

		w := httptest.NewRecorder()
		service.ConfirmPayment(w, authedPaymentRequest("POST", "/api/payments/confirm-payment",
			[]byte(`{"paymentIntentId":"pi_123"}`)))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
