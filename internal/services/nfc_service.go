package services

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/limajs/transit-backend/internal/models"
)

type NFCService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

// IssueCardRequest represents a card issuance request
// @Description NFC card issuance request
type IssueCardRequest struct {
	UserID  int    `json:"userId" validate:"required,gt=0" example:"42"`
	CardUID string `json:"cardUid" validate:"required,min=8" example:"04A224E9B23F80"` // Physical NFC UID
}

// BlockCardRequest represents a card block request
// @Description NFC card block request
type BlockCardRequest struct {
	Reason string `json:"reason" validate:"required" example:"Carte perdue"`
}

func NewNFCService(db *sql.DB, ledger *LedgerService) *NFCService {
	return &NFCService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// IssueCard registers a new NFC card for a rider
// @Summary Issue an NFC card
// @Description Register a physical NFC card for a user. Only the SHA-256 hash of the UID is stored.
// @Tags cards
// @Accept json
// @Produce json
// @Param card body IssueCardRequest true "Card issuance data"
// @Success 201 {object} models.Card
// @Failure 400 {string} string "Invalid request"
// @Failure 409 {string} string "Card UID already registered"
// @Router /cards [post]
func (ns *NFCService) IssueCard(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req IssueCardRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ns.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	uidHash := hashCardUID(req.CardUID)

	// One physical card, one registration.
	var exists bool
	if err := ns.db.QueryRow("SELECT EXISTS(SELECT 1 FROM cards WHERE uid_hash = $1)", uidHash).Scan(&exists); err != nil {
		log.Printf("[NFC] UID uniqueness check failed: %v", err)
		http.Error(w, "Failed to issue card", http.StatusInternalServerError)
		return
	}
	if exists {
		log.Printf("[NFC] Duplicate card UID registration attempt for user %d", req.UserID)
		http.Error(w, "Card UID already registered", http.StatusConflict)
		return
	}

	card := models.Card{
		CardID:   fmt.Sprintf("CARD-%s", uuid.New().String()),
		UserID:   req.UserID,
		UIDHash:  uidHash,
		Status:   models.CardStatusPendingActivation,
		IssuedAt: time.Now(),
	}

	_, err := ns.db.Exec(`
		INSERT INTO cards (card_id, user_id, uid_hash, status, issued_at)
		VALUES ($1, $2, $3, $4, $5)
	`, card.CardID, card.UserID, card.UIDHash, card.Status, card.IssuedAt)
	if err != nil {
		log.Printf("[NFC] Failed to store card for user %d: %v", req.UserID, err)
		http.Error(w, "Failed to issue card", http.StatusInternalServerError)
		return
	}

	log.Printf("[NFC] Card %s issued to user %d", card.CardID, card.UserID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(card)
}

// ActivateCard activates a pending card
// @Summary Activate an NFC card
// @Description Move a card from PENDING_ACTIVATION to ACTIVE
// @Tags cards
// @Produce json
// @Param cardId path string true "Card ID"
// @Success 200 {object} object{cardId=string,status=string}
// @Failure 400 {string} string "Card is not pending activation"
// @Failure 404 {string} string "Card not found"
// @Failure 409 {string} string "Card modified concurrently"
// @Router /cards/{cardId}/activate [put]
func (ns *NFCService) ActivateCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardId")

	now := time.Now()
	res, err := ns.ledger.ApplyTransition(r.Context(), TransitionRequest{
		Kind:           KindCard,
		EntityID:       cardID,
		ExpectedStatus: models.CardStatusPendingActivation,
		NewStatus:      models.CardStatusActive,
		Extra: []SetClause{
			{Column: "activated_at", Value: now},
		},
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	log.Printf("[NFC] Card %s activated", cardID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"cardId": cardID, "status": res.NewStatus})
}

// BlockCard blocks a card permanently
// @Summary Block an NFC card
// @Description Block a card. Blocked cards cannot be reactivated; a new card must be issued.
// @Tags cards
// @Accept json
// @Produce json
// @Param cardId path string true "Card ID"
// @Param request body BlockCardRequest true "Block reason"
// @Success 200 {object} object{cardId=string,status=string}
// @Failure 400 {string} string "Card already blocked"
// @Failure 404 {string} string "Card not found"
// @Router /cards/{cardId}/block [put]
func (ns *NFCService) BlockCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardId")

	var req BlockCardRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ns.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Pending and active cards can both be blocked; the current status is
	// read first so the conditional write names the right precondition.
	var currentStatus string
	err := ns.db.QueryRow("SELECT status FROM cards WHERE card_id = $1", cardID).Scan(&currentStatus)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Card not found", http.StatusNotFound)
		} else {
			log.Printf("[NFC] Card lookup failed for %s: %v", cardID, err)
			http.Error(w, "Failed to block card", http.StatusInternalServerError)
		}
		return
	}

	now := time.Now()
	res, err := ns.ledger.ApplyTransition(r.Context(), TransitionRequest{
		Kind:           KindCard,
		EntityID:       cardID,
		ExpectedStatus: currentStatus,
		NewStatus:      models.CardStatusBlocked,
		Extra: []SetClause{
			{Column: "blocked_at", Value: now},
			{Column: "block_reason", Value: req.Reason},
		},
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	log.Printf("[NFC] Card %s blocked: %s", cardID, req.Reason)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"cardId": cardID, "status": res.NewStatus})
}

// ValidateCard checks a tapped card for boarding
// @Summary Validate an NFC tap
// @Description Resolve a tapped card UID and check that the card and its holder's subscription allow boarding
// @Tags cards
// @Accept json
// @Produce json
// @Param request body object{cardUid=string} true "Tapped card UID"
// @Success 200 {object} object{valid=bool,cardId=string,userId=int}
// @Failure 403 {string} string "Card not active or no active subscription"
// @Failure 404 {string} string "Unknown card"
// @Router /cards/validate [post]
func (ns *NFCService) ValidateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardUID string `json:"cardUid" validate:"required,min=8"`
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ns.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	uidHash := hashCardUID(req.CardUID)

	var card models.Card
	err := ns.db.QueryRow(`
		SELECT card_id, user_id, status FROM cards WHERE uid_hash = $1
	`, uidHash).Scan(&card.CardID, &card.UserID, &card.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("[NFC] Unknown card tap")
			http.Error(w, "Unknown card", http.StatusNotFound)
		} else {
			log.Printf("[NFC] Card lookup failed: %v", err)
			http.Error(w, "Failed to validate card", http.StatusInternalServerError)
		}
		return
	}

	if card.Status != models.CardStatusActive {
		log.Printf("[NFC] Tap rejected for card %s: status %s", card.CardID, card.Status)
		http.Error(w, "Card not active", http.StatusForbidden)
		return
	}

	var subscriptionID string
	err = ns.db.QueryRow(`
		SELECT subscription_id FROM subscriptions
		WHERE user_id = $1 AND status = 'ACTIVE' AND end_date > NOW()
		ORDER BY end_date DESC
		LIMIT 1
	`, card.UserID).Scan(&subscriptionID)
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("[NFC] Tap rejected for card %s: no active subscription", card.CardID)
			http.Error(w, "No active subscription", http.StatusForbidden)
			return
		}
		log.Printf("[NFC] Subscription lookup failed for card %s: %v", card.CardID, err)
		http.Error(w, "Failed to validate card", http.StatusInternalServerError)
		return
	}

	if _, err := ns.db.Exec("UPDATE cards SET last_used_at = NOW() WHERE card_id = $1", card.CardID); err != nil {
		log.Printf("[NFC] Failed to record last use for card %s: %v", card.CardID, err)
	}

	log.Printf("[NFC] Card %s validated for user %d", card.CardID, card.UserID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"valid":          true,
		"cardId":         card.CardID,
		"userId":         card.UserID,
		"subscriptionId": subscriptionID,
	})
}

// GetUserCards lists the authenticated user's cards
// @Summary List NFC cards
// @Description List the authenticated user's NFC cards
// @Tags cards
// @Produce json
// @Success 200 {object} object{cards=[]models.Card,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /cards [get]
func (ns *NFCService) GetUserCards(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ns.db.Query(`
		SELECT card_id, user_id, status, issued_at, activated_at, blocked_at, COALESCE(block_reason, ''), last_used_at
		FROM cards
		WHERE user_id = $1
		ORDER BY issued_at DESC
	`, userID)
	if err != nil {
		log.Printf("[NFC] Failed to fetch cards for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch cards", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		var c models.Card
		if err := rows.Scan(&c.CardID, &c.UserID, &c.Status, &c.IssuedAt, &c.ActivatedAt,
			&c.BlockedAt, &c.BlockReason, &c.LastUsedAt); err != nil {
			log.Printf("[NFC] Failed to scan card row: %v", err)
			http.Error(w, "Failed to fetch cards", http.StatusInternalServerError)
			return
		}
		cards = append(cards, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"cards": cards,
		"count": len(cards),
	})
}

func hashCardUID(uid string) string {
	sum := sha256.Sum256([]byte(uid))
	return hex.EncodeToString(sum[:])
}
