package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/limajs/transit-backend/internal/config"
	"github.com/limajs/transit-backend/internal/models"
)

// PushSender delivers one push message to a device token.
type PushSender interface {
	SendPush(token, platform, title, body string, data map[string]string) error
}

// FCMPushSender sends notifications through an FCM-compatible HTTP endpoint.
type FCMPushSender struct {
	cfg    *config.PushConfig
	client *http.Client
}

func NewFCMPushSender(cfg *config.PushConfig) *FCMPushSender {
	return &FCMPushSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (f *FCMPushSender) SendPush(token, platform, title, body string, data map[string]string) error {
	payload := map[string]interface{}{
		"to": token,
		"notification": map[string]string{
			"title": title,
			"body":  body,
		},
		"data": data,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+f.cfg.ServerKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

type NotificationService struct {
	db        *sql.DB
	push      PushSender
	validator *ValidationHelper
}

// RegisterDeviceRequest binds a push token to the authenticated user
// @Description Device registration request
type RegisterDeviceRequest struct {
	DeviceToken string `json:"deviceToken" validate:"required,min=8" example:"fcm-token-abc123"`
	Platform    string `json:"platform" validate:"required,oneof=android ios web" example:"android"`
}

// SendNotificationRequest is an admin-initiated push to one user
// @Description Notification send request
type SendNotificationRequest struct {
	UserID int    `json:"userId" validate:"required,gt=0" example:"42"`
	Title  string `json:"title" validate:"required,max=120" example:"Service interrompu"`
	Body   string `json:"body" validate:"required,max=1000" example:"La ligne RT-1 est suspendue jusqu'à 14h."`
}

// BroadcastRequest is an admin-initiated push to every registered device
// @Description Notification broadcast request
type BroadcastRequest struct {
	Role  string `json:"role,omitempty" validate:"omitempty,oneof=rider driver" example:"rider"`
	Title string `json:"title" validate:"required,max=120" example:"Nouveaux horaires"`
	Body  string `json:"body" validate:"required,max=1000" example:"Les horaires de la ligne RT-2 changent lundi."`
}

func NewNotificationService(db *sql.DB, push PushSender) *NotificationService {
	return &NotificationService{
		db:        db,
		push:      push,
		validator: NewValidationHelper(),
	}
}

// RegisterDevice stores the caller's push token
// @Summary Register a device
// @Description Bind a push token to the authenticated user. A new registration replaces the previous token.
// @Tags notifications
// @Accept json
// @Produce json
// @Param request body RegisterDeviceRequest true "Device data"
// @Success 200 {object} object{success=bool}
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Unauthorized"
// @Router /notifications/devices [post]
func (ns *NotificationService) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req RegisterDeviceRequest
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

	_, err := ns.db.Exec(`
		UPDATE users SET device_token = $1, device_platform = $2 WHERE id = $3
	`, req.DeviceToken, req.Platform, userID)
	if err != nil {
		log.Printf("[NOTIFY] Failed to register device for user %d: %v", userID, err)
		http.Error(w, "Failed to register device", http.StatusInternalServerError)
		return
	}

	log.Printf("[NOTIFY] Device registered for user %d (%s)", userID, req.Platform)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// SendNotification pushes a message to one user
// @Summary Send a notification
// @Description Send a push notification to a single user. The attempt is recorded even when delivery fails.
// @Tags notifications
// @Accept json
// @Produce json
// @Param request body SendNotificationRequest true "Notification data"
// @Success 200 {object} models.Notification
// @Failure 400 {string} string "Invalid request"
// @Failure 404 {string} string "User has no registered device"
// @Router /notifications/send [post]
func (ns *NotificationService) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
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

	var token, platform string
	err := ns.db.QueryRow(
		"SELECT COALESCE(device_token, ''), COALESCE(device_platform, '') FROM users WHERE id = $1",
		req.UserID).Scan(&token, &platform)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "User not found", http.StatusNotFound)
		} else {
			log.Printf("[NOTIFY] Device lookup failed for user %d: %v", req.UserID, err)
			http.Error(w, "Failed to send notification", http.StatusInternalServerError)
		}
		return
	}
	if token == "" {
		http.Error(w, "User has no registered device", http.StatusNotFound)
		return
	}

	notif := ns.deliver(req.UserID, token, platform, req.Title, req.Body)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notif)
}

// BroadcastNotification pushes a message to all registered devices
// @Summary Broadcast a notification
// @Description Send a push notification to every user with a registered device, optionally filtered by role
// @Tags notifications
// @Accept json
// @Produce json
// @Param request body BroadcastRequest true "Broadcast data"
// @Success 200 {object} object{sent=int,failed=int}
// @Failure 400 {string} string "Invalid request"
// @Router /notifications/broadcast [post]
func (ns *NotificationService) BroadcastNotification(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
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

	query := "SELECT id, device_token, COALESCE(device_platform, '') FROM users WHERE device_token IS NOT NULL AND device_token <> ''"
	args := []interface{}{}
	if req.Role != "" {
		query += " AND role = $1"
		args = append(args, req.Role)
	}

	rows, err := ns.db.Query(query, args...)
	if err != nil {
		log.Printf("[NOTIFY] Broadcast device query failed: %v", err)
		http.Error(w, "Failed to broadcast", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type target struct {
		userID   int
		token    string
		platform string
	}
	targets := []target{}
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.userID, &t.token, &t.platform); err != nil {
			log.Printf("[NOTIFY] Failed to scan device row: %v", err)
			http.Error(w, "Failed to broadcast", http.StatusInternalServerError)
			return
		}
		targets = append(targets, t)
	}

	sent, failed := 0, 0
	for _, t := range targets {
		notif := ns.deliver(t.userID, t.token, t.platform, req.Title, req.Body)
		if notif.Status == "sent" {
			sent++
		} else {
			failed++
		}
	}

	log.Printf("[NOTIFY] Broadcast complete: %d sent, %d failed", sent, failed)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"sent": sent, "failed": failed})
}

// deliver pushes one message and records the attempt. History writes are
// best effort; a failed insert does not undo the delivery.
func (ns *NotificationService) deliver(userID int, token, platform, title, body string) models.Notification {
	status := "sent"
	if err := ns.push.SendPush(token, platform, title, body, nil); err != nil {
		log.Printf("[NOTIFY] Push to user %d failed: %v", userID, err)
		status = "failed"
	}

	notif := models.Notification{
		UserID:  userID,
		Title:   title,
		Body:    body,
		Channel: "push",
		Status:  status,
	}
	err := ns.db.QueryRow(`
		INSERT INTO notifications (user_id, title, body, channel, status, sent_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, sent_at
	`, userID, title, body, notif.Channel, status).Scan(&notif.ID, &notif.SentAt)
	if err != nil {
		log.Printf("[NOTIFY] Failed to record notification for user %d: %v", userID, err)
	}
	return notif
}

// GetNotifications lists the caller's notification history
// @Summary List notifications
// @Description List the authenticated user's notifications, newest first
// @Tags notifications
// @Produce json
// @Success 200 {object} object{notifications=[]models.Notification,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /notifications [get]
func (ns *NotificationService) GetNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ns.db.Query(`
		SELECT id, user_id, title, body, channel, status, sent_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY sent_at DESC
		LIMIT 50
	`, userID)
	if err != nil {
		log.Printf("[NOTIFY] Failed to fetch notifications for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch notifications", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Channel, &n.Status, &n.SentAt); err != nil {
			log.Printf("[NOTIFY] Failed to scan notification row: %v", err)
			http.Error(w, "Failed to fetch notifications", http.StatusInternalServerError)
			return
		}
		notifications = append(notifications, n)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"notifications": notifications,
		"count":         len(notifications),
	})
}
