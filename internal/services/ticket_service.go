package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/limajs/transit-backend/internal/config"
	"github.com/limajs/transit-backend/internal/models"
)

type TicketService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	cfg       *config.TicketConfig
	validator *ValidationHelper
}

// TicketResponse carries an issued ticket together with its QR image
// @Description Issued ticket with QR payload
type TicketResponse struct {
	Ticket  models.Ticket `json:"ticket"`
	QRToken string        `json:"qrToken"`           // Opaque scan token embedded in the QR code
	QRImage string        `json:"qrImage,omitempty"` // Base64 PNG
}

func NewTicketService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService) *TicketService {
	return &TicketService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		cfg:       config.LoadTicketConfig(),
		validator: NewValidationHelper(),
	}
}

// GenerateTicket issues a single-ride QR ticket
// @Summary Generate a QR ticket
// @Description Issue a single-ride QR ticket. Requires an active subscription.
// @Tags tickets
// @Accept json
// @Produce json
// @Param request body object{routeId=string} false "Optional route binding"
// @Success 201 {object} TicketResponse "Issued ticket"
// @Failure 401 {string} string "Unauthorized"
// @Failure 403 {string} string "No active subscription"
// @Failure 500 {string} string "Internal server error"
// @Router /tickets [post]
func (ts *TicketService) GenerateTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		RouteID string `json:"routeId"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
			return
		}
	}

	// Tickets draw on an active subscription, not the wallet.
	var subscriptionID string
	err := ts.db.QueryRow(`
		SELECT subscription_id FROM subscriptions
		WHERE user_id = $1 AND status = 'ACTIVE' AND end_date > NOW()
		ORDER BY end_date DESC
		LIMIT 1
	`, userID).Scan(&subscriptionID)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("[TICKET] User %d has no active subscription", userID)
			http.Error(w, "No active subscription", http.StatusForbidden)
			return
		}
		log.Printf("[TICKET] Subscription lookup failed for user %d: %v", userID, err)
		http.Error(w, "Failed to generate ticket", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	ticket := models.Ticket{
		TicketID:       fmt.Sprintf("TKT-%s", uuid.New().String()),
		UserID:         userID,
		SubscriptionID: subscriptionID,
		RouteID:        req.RouteID,
		Status:         models.TicketStatusActive,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ts.cfg.Validity),
	}

	_, err = ts.db.Exec(`
		INSERT INTO tickets (ticket_id, user_id, subscription_id, route_id, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticket.TicketID, ticket.UserID, ticket.SubscriptionID, ticket.RouteID, ticket.Status, ticket.IssuedAt, ticket.ExpiresAt)
	if err != nil {
		log.Printf("[TICKET] Failed to store ticket for user %d: %v", userID, err)
		http.Error(w, "Failed to generate ticket", http.StatusInternalServerError)
		return
	}

	qrToken, qrImage, err := ts.buildQRCode(r.Context(), &ticket)
	if err != nil {
		log.Printf("[TICKET] QR generation failed for ticket %s: %v", ticket.TicketID, err)
		http.Error(w, "Failed to generate QR code", http.StatusInternalServerError)
		return
	}

	log.Printf("[TICKET] Ticket %s issued to user %d (expires %s)", ticket.TicketID, userID, ticket.ExpiresAt.Format(time.RFC3339))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TicketResponse{
		Ticket:  ticket,
		QRToken: qrToken,
		QRImage: qrImage,
	})
}

// ValidateTicket marks a scanned ticket as used
// @Summary Validate a ticket
// @Description Validate a scanned QR token. Each ticket can be validated exactly once; a second scan is rejected.
// @Tags tickets
// @Accept json
// @Produce json
// @Param request body object{qrToken=string} true "Scanned QR token"
// @Success 200 {object} object{success=bool,ticket=models.Ticket}
// @Failure 400 {string} string "Ticket expired or already used"
// @Failure 401 {string} string "Unauthorized"
// @Failure 409 {string} string "Ticket validated concurrently"
// @Router /tickets/validate [post]
func (ts *TicketService) ValidateTicket(w http.ResponseWriter, r *http.Request) {
	validatorID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		QRToken string `json:"qrToken" validate:"required"`
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
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

	ticketID, err := ts.resolveQRToken(r.Context(), req.QRToken)
	if err != nil {
		log.Printf("[TICKET] Invalid QR token scan by validator %d: %v", validatorID, err)
		http.Error(w, "Invalid or expired QR code", http.StatusBadRequest)
		return
	}

	var ticket models.Ticket
	err = ts.db.QueryRow(`
		SELECT ticket_id, user_id, subscription_id, COALESCE(route_id, ''), status, issued_at, expires_at
		FROM tickets WHERE ticket_id = $1
	`, ticketID).Scan(&ticket.TicketID, &ticket.UserID, &ticket.SubscriptionID, &ticket.RouteID,
		&ticket.Status, &ticket.IssuedAt, &ticket.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Ticket not found", http.StatusNotFound)
		} else {
			log.Printf("[TICKET] Ticket lookup failed for %s: %v", ticketID, err)
			http.Error(w, "Failed to validate ticket", http.StatusInternalServerError)
		}
		return
	}

	if time.Now().After(ticket.ExpiresAt) {
		// Sweep lazily on scan so an expired ticket never validates.
		ts.expireTicket(r.Context(), ticket.TicketID)
		http.Error(w, "Ticket expired", http.StatusBadRequest)
		return
	}

	now := time.Now()
	res, err := ts.ledger.ApplyTransition(r.Context(), TransitionRequest{
		Kind:           KindTicket,
		EntityID:       ticket.TicketID,
		ExpectedStatus: models.TicketStatusActive,
		NewStatus:      models.TicketStatusUsed,
		Extra: []SetClause{
			{Column: "validated_at", Value: now},
			{Column: "validated_by", Value: validatorID},
		},
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	ticket.Status = res.NewStatus
	ticket.ValidatedAt = &now
	ticket.ValidatedBy = &validatorID

	log.Printf("[TICKET] Ticket %s validated by %d", ticket.TicketID, validatorID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"ticket":  ticket,
	})
}

// GetTicketHistory lists the authenticated user's tickets
// @Summary Get ticket history
// @Description List the authenticated user's tickets, newest first
// @Tags tickets
// @Produce json
// @Param limit query int false "Number of tickets (default: 20, max: 100)"
// @Success 200 {object} object{tickets=[]models.Ticket,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /tickets [get]
func (ts *TicketService) GetTicketHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	rows, err := ts.db.Query(`
		SELECT ticket_id, user_id, subscription_id, COALESCE(route_id, ''), status, issued_at, expires_at, validated_at, validated_by
		FROM tickets
		WHERE user_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[TICKET] Failed to fetch tickets for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch tickets", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		var t models.Ticket
		if err := rows.Scan(&t.TicketID, &t.UserID, &t.SubscriptionID, &t.RouteID, &t.Status,
			&t.IssuedAt, &t.ExpiresAt, &t.ValidatedAt, &t.ValidatedBy); err != nil {
			log.Printf("[TICKET] Failed to scan ticket row: %v", err)
			http.Error(w, "Failed to fetch tickets", http.StatusInternalServerError)
			return
		}
		tickets = append(tickets, t)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

// GetTicket fetches a single ticket
// @Summary Get ticket by ID
// @Description Retrieve a ticket by its ID
// @Tags tickets
// @Produce json
// @Param ticketId path string true "Ticket ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {string} string "Ticket not found"
// @Router /tickets/{ticketId} [get]
func (ts *TicketService) GetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketId")

	var t models.Ticket
	err := ts.db.QueryRow(`
		SELECT ticket_id, user_id, subscription_id, COALESCE(route_id, ''), status, issued_at, expires_at, validated_at, validated_by
		FROM tickets WHERE ticket_id = $1
	`, ticketID).Scan(&t.TicketID, &t.UserID, &t.SubscriptionID, &t.RouteID, &t.Status,
		&t.IssuedAt, &t.ExpiresAt, &t.ValidatedAt, &t.ValidatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Ticket not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch ticket", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// ExpireStaleTickets sweeps ACTIVE tickets past their expiry. Run periodically.
func (ts *TicketService) ExpireStaleTickets(ctx context.Context) (int, error) {
	rows, err := ts.db.QueryContext(ctx, `
		SELECT ticket_id FROM tickets
		WHERE status = 'ACTIVE' AND expires_at < NOW()
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ticketIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ticketIDs = append(ticketIDs, id)
	}

	expired := 0
	for _, id := range ticketIDs {
		if err := ts.expireTicket(ctx, id); err != nil {
			log.Printf("[TICKET] Failed to expire ticket %s: %v", id, err)
			continue
		}
		expired++
	}

	if expired > 0 {
		log.Printf("[TICKET] Expired %d stale tickets", expired)
	}
	return expired, nil
}

func (ts *TicketService) expireTicket(ctx context.Context, ticketID string) error {
	_, err := ts.ledger.ApplyTransition(ctx, TransitionRequest{
		Kind:           KindTicket,
		EntityID:       ticketID,
		ExpectedStatus: models.TicketStatusActive,
		NewStatus:      models.TicketStatusExpired,
	})
	// A ticket validated between the sweep read and the write is not an error.
	if errors.Is(err, ErrConcurrentModification) {
		return nil
	}
	return err
}

// buildQRCode stores a one-shot scan token in Redis and renders the QR PNG.
func (ts *TicketService) buildQRCode(ctx context.Context, ticket *models.Ticket) (string, string, error) {
	token := ts.generateToken()

	key := fmt.Sprintf("ticket_qr:%s", token)
	if err := ts.redis.Set(ctx, key, ticket.TicketID, ts.cfg.Validity).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(ts.cfg.QRCodeSize)); err != nil {
		return "", "", err
	}

	return token, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// resolveQRToken consumes a scan token. Tokens are single use.
func (ts *TicketService) resolveQRToken(ctx context.Context, token string) (string, error) {
	key := fmt.Sprintf("ticket_qr:%s", token)

	ticketID, err := ts.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return "", err
	}

	ts.redis.Del(ctx, key)
	return ticketID, nil
}

func (ts *TicketService) generateToken() string {
	b := make([]byte, ts.cfg.TokenLength)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
