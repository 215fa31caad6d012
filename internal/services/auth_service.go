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
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/papertrade/backend/internal/middleware"
	"github.com/papertrade/backend/internal/models"
)

const (
	maxLoginAttempts = 5
	lockoutDuration  = 15 * time.Minute
	bcryptCost       = 12
	minSignupAge     = 18
)

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewAuthService(db *sql.DB, redisClient *redis.Client) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// RegisterRequest carries the signup payload. Validation is done by
// validateRegisterRequest so every violated rule is reported at once.
type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	DateOfBirth     string `json:"dateOfBirth"` // YYYY-MM-DD
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// PublicUser is the user shape returned by auth endpoints.
type PublicUser struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type AuthResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Token   string     `json:"token"`
	User    PublicUser `json:"user"`
}

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailRegex    = regexp.MustCompile(`^\S+@\S+\.\S+$`)
	nameRegex     = regexp.MustCompile(`^[a-zA-Z\s'-]+$`)
)

// validateRegisterRequest collects every violated rule instead of stopping at
// the first, and returns the parsed date of birth on success.
func validateRegisterRequest(req *RegisterRequest) (time.Time, []string) {
	var errs []string

	username := strings.TrimSpace(req.Username)
	if len(username) < 3 || len(username) > 30 {
		errs = append(errs, "Username must be between 3 and 30 characters")
	}
	if username != "" && !usernameRegex.MatchString(username) {
		errs = append(errs, "Username can only contain letters, numbers, and underscores")
	}

	if !emailRegex.MatchString(req.Email) {
		errs = append(errs, "Please provide a valid email address")
	}

	firstName := strings.TrimSpace(req.FirstName)
	if firstName == "" || len(firstName) > 50 {
		errs = append(errs, "First name is required and cannot exceed 50 characters")
	}
	if firstName != "" && !nameRegex.MatchString(firstName) {
		errs = append(errs, "First name can only contain letters, spaces, hyphens, and apostrophes")
	}

	lastName := strings.TrimSpace(req.LastName)
	if lastName == "" || len(lastName) > 50 {
		errs = append(errs, "Last name is required and cannot exceed 50 characters")
	}
	if lastName != "" && !nameRegex.MatchString(lastName) {
		errs = append(errs, "Last name can only contain letters, spaces, hyphens, and apostrophes")
	}

	var dob time.Time
	if req.DateOfBirth == "" {
		errs = append(errs, "Date of birth is required")
	} else {
		var err error
		dob, err = time.Parse("2006-01-02", req.DateOfBirth)
		if err != nil {
			errs = append(errs, "Date of birth must be a valid date in YYYY-MM-DD format")
		} else {
			now := time.Now()
			if dob.After(now) {
				errs = append(errs, "Date of birth cannot be in the future")
			} else if ageAt(dob, now) < minSignupAge {
				errs = append(errs, "You must be at least 18 years old to use this service")
			}
		}
	}

	if len(req.Password) < 8 {
		errs = append(errs, "Password must be at least 8 characters")
	}
	if req.Password != "" && !passwordComplexEnough(req.Password) {
		errs = append(errs, "Password must contain at least one uppercase letter, one lowercase letter, one number, and one special character")
	}
	if req.ConfirmPassword == "" {
		errs = append(errs, "Please confirm your password")
	} else if req.Password != req.ConfirmPassword {
		errs = append(errs, "Passwords do not match")
	}

	return dob, errs
}

func ageAt(dob, now time.Time) int {
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

func passwordComplexEnough(password string) bool {
	var upper, lower, digit, special bool
	for _, c := range password {
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= '0' && c <= '9':
			digit = true
		case strings.ContainsRune("@$!%*?&#^()_-+=", c):
			special = true
		}
	}
	return upper && lower && digit && special
}

// Register handles user registration. New accounts start with a zero cash
// balance; funds arrive through the deposit flow only.
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", middleware.ClientIP(r))

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RegisterRequest
	if err := dec.Decode(&req); err != nil {
		log.Printf("[AUTH] Registration failed - invalid request: %v", err)
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	dob, errs := validateRegisterRequest(&req)
	if len(errs) > 0 {
		log.Printf("[AUTH] Registration validation failed: %d rule(s) violated", len(errs))
		SendValidationErrors(w, errs)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An internal error occurred", http.StatusInternalServerError, nil)
		return
	}

	userID := uuid.New().String()
	username := strings.TrimSpace(req.Username)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	_, err = s.db.Exec(`
		INSERT INTO users (id, username, email, first_name, last_name, date_of_birth, password_hash, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())`,
		userID, username, email, strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName), dob, hashedPassword)
	if err != nil {
		if isUniqueViolation(err) {
			log.Printf("[AUTH] Registration rejected, duplicate user: %s", email)
			SendErrorResponse(w, "User with this email or username already exists", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[AUTH] User creation failed for %s: %v", email, err)
		SendErrorResponse(w, "Error registering user", http.StatusInternalServerError, nil)
		return
	}

	token, err := generateJWT(userID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] User created successfully - ID: %s, Email: %s", userID, email)
	SendJSON(w, http.StatusCreated, AuthResponse{
		Success: true,
		Message: "User registered successfully",
		Token:   token,
		User: PublicUser{
			ID:        userID,
			Username:  username,
			Email:     email,
			FirstName: strings.TrimSpace(req.FirstName),
			LastName:  strings.TrimSpace(req.LastName),
		},
	})
}

// Login authenticates a user. Failed attempts are throttled both per source
// IP and per account in Redis (TTL-keyed counters shared across instances)
// and mirrored into the account's lockout columns.
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	clientIP := middleware.ClientIP(r)
	log.Printf("[AUTH] Login attempt from IP: %s", clientIP)

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoginRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	ipKey := fmt.Sprintf("login_attempts:ip:%s", clientIP)

	if ttl, locked := s.throttled(ctx, ipKey); locked {
		sendLockoutResponse(w, ttl)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var user PublicUser
	var hashedPassword string
	var failedAttempts int
	var lockedUntil *time.Time
	err := s.db.QueryRow(`
		SELECT id, username, email, first_name, last_name, password_hash, failed_login_attempts, locked_until
		FROM users WHERE email = $1`,
		email).Scan(&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
		&hashedPassword, &failedAttempts, &lockedUntil)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("[AUTH] Login failed, unknown email from IP %s", clientIP)
			s.recordFailure(ctx, ipKey)
			// Generic message so the response does not reveal whether the
			// account exists.
			SendErrorResponse(w, "Invalid email or password", http.StatusUnauthorized, nil)
			return
		}
		log.Printf("[AUTH] Login query failed: %v", err)
		SendErrorResponse(w, "Error logging in", http.StatusInternalServerError, nil)
		return
	}

	accountKey := fmt.Sprintf("login_attempts:user:%s", user.ID)

	if lockedUntil != nil && lockedUntil.After(time.Now()) {
		sendLockoutResponse(w, time.Until(*lockedUntil))
		return
	}
	if ttl, locked := s.throttled(ctx, accountKey); locked {
		sendLockoutResponse(w, ttl)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		attempts := failedAttempts + 1
		var lockUntil *time.Time
		if attempts >= maxLoginAttempts {
			t := time.Now().Add(lockoutDuration)
			lockUntil = &t
		}
		if _, err := s.db.Exec(`UPDATE users SET failed_login_attempts = $1, locked_until = $2, updated_at = NOW() WHERE id = $3`,
			attempts, lockUntil, user.ID); err != nil {
			log.Printf("[AUTH] Failed to record login failure for user %s: %v", user.ID, err)
		}
		s.recordFailure(ctx, ipKey, accountKey)
		log.Printf("[AUTH] Invalid password for user %s (attempt %d)", user.ID, attempts)
		SendErrorResponse(w, "Invalid email or password", http.StatusUnauthorized, nil)
		return
	}

	if _, err := s.db.Exec(`UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login = NOW(), updated_at = NOW() WHERE id = $1`,
		user.ID); err != nil {
		log.Printf("[AUTH] Failed to reset login counters for user %s: %v", user.ID, err)
	}
	s.clearThrottle(ctx, ipKey, accountKey)

	token, err := generateJWT(user.ID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for user %s: %v", user.ID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for user %s", user.ID)
	SendJSON(w, http.StatusOK, AuthResponse{
		Success: true,
		Message: "Login successful",
		Token:   token,
		User:    user,
	})
}

// GetMe returns the authenticated user's profile including the cash balance.
func (s *AuthService) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var user models.User
	err := s.db.QueryRow(`
		SELECT id, username, email, first_name, last_name, date_of_birth, balance, created_at, last_login
		FROM users WHERE id = $1`,
		userID).Scan(&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
		&user.DateOfBirth, &user.Balance, &user.CreatedAt, &user.LastLogin)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[AUTH] Failed to fetch user %s: %v", userID, err)
		SendErrorResponse(w, "Error fetching user", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user": map[string]any{
			"id":          user.ID,
			"username":    user.Username,
			"email":       user.Email,
			"firstName":   user.FirstName,
			"lastName":    user.LastName,
			"dateOfBirth": user.DateOfBirth.Format("2006-01-02"),
			"balance":     user.Balance,
			"createdAt":   user.CreatedAt,
			"lastLogin":   user.LastLogin,
		},
	})
}

func sendLockoutResponse(w http.ResponseWriter, remaining time.Duration) {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	SendErrorResponse(w,
		fmt.Sprintf("Too many failed login attempts. Please try again in %d minute(s)", minutes),
		http.StatusTooManyRequests, nil)
}

// throttled reports whether key has accumulated maxLoginAttempts failures,
// and how long until the window expires. Without Redis the per-account
// lockout columns are the only guard.
func (s *AuthService) throttled(ctx context.Context, key string) (time.Duration, bool) {
	if s.redis == nil {
		return 0, false
	}
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil || count < maxLoginAttempts {
		return 0, false
	}
	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = lockoutDuration
	}
	return ttl, true
}

func (s *AuthService) recordFailure(ctx context.Context, keys ...string) {
	if s.redis == nil {
		return
	}
	for _, key := range keys {
		count, err := s.redis.Incr(ctx, key).Result()
		if err != nil {
			continue
		}
		if count == 1 {
			s.redis.Expire(ctx, key, lockoutDuration)
		}
	}
}

func (s *AuthService) clearThrottle(ctx context.Context, keys ...string) {
	if s.redis == nil {
		return
	}
	s.redis.Del(ctx, keys...)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func generateJWT(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(password, hashedPassword string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}
