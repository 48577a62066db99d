package services

import (
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"

	"github.com/limajs/transit-backend/internal/models"
)

// operatorBIC identifies the transit operator in settlement messages.
const operatorBIC = "TRNSHTPP"

// settledPayment is one approved payment joined with its payer's name.
type settledPayment struct {
	models.Payment
	PayerName string
}

// SettlementService exports approved payments as ISO 20022 messages for
// reconciliation with MonCash and the partner banks.
type SettlementService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// SettlementAckRequest reports the clearing outcome of one payment
// @Description Settlement acknowledgement request
type SettlementAckRequest struct {
	Status string `json:"status" validate:"required,oneof=ACCP ACSC RJCT" example:"ACSC"`
}

func NewSettlementService(db *sql.DB) *SettlementService {
	return &SettlementService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// ExportBatch exports approved payments as a pacs.008 credit transfer batch
// @Summary Export settlement batch
// @Description Export payments approved in the given window as a pacs.008 XML document
// @Tags settlement
// @Produce xml
// @Param hours query int false "Window size in hours (default 24)"
// @Success 200 {string} string "pacs.008 XML"
// @Failure 404 {string} string "No approved payments in window"
// @Router /settlement/export [get]
func (ss *SettlementService) ExportBatch(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		if _, err := fmt.Sscanf(h, "%d", &hours); err != nil || hours <= 0 || hours > 24*31 {
			SendErrorResponse(w, "Invalid hours parameter", http.StatusBadRequest, nil)
			return
		}
	}

	payments, err := ss.approvedSince(time.Duration(hours) * time.Hour)
	if err != nil {
		log.Printf("[SETTLE] Failed to load approved payments: %v", err)
		http.Error(w, "Failed to export batch", http.StatusInternalServerError)
		return
	}
	if len(payments) == 0 {
		http.Error(w, "No approved payments in window", http.StatusNotFound)
		return
	}

	doc := ss.buildPacs008(payments)
	xmlData, err := ss.marshalXML(doc)
	if err != nil {
		log.Printf("[SETTLE] Failed to marshal pacs.008: %v", err)
		http.Error(w, "Failed to export batch", http.StatusInternalServerError)
		return
	}

	log.Printf("[SETTLE] Exported pacs.008 batch with %d payments", len(payments))

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xmlData))
}

// AcknowledgePayment produces a pacs.002 status report for one payment
// @Summary Acknowledge a settled payment
// @Description Produce a pacs.002 status report for one approved payment
// @Tags settlement
// @Accept json
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Param request body SettlementAckRequest true "Settlement status"
// @Success 200 {object} object{status=string,messageType=string,xml=string}
// @Failure 404 {string} string "Payment not found"
// @Router /settlement/{paymentId}/ack [post]
func (ss *SettlementService) AcknowledgePayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")

	var req SettlementAckRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ss.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var p models.Payment
	err := ss.db.QueryRow(`
		SELECT payment_id, user_id, amount, currency, method, status
		FROM payments WHERE payment_id = $1
	`, paymentID).Scan(&p.PaymentID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Payment not found", http.StatusNotFound)
		} else {
			log.Printf("[SETTLE] Payment lookup failed for %s: %v", paymentID, err)
			http.Error(w, "Failed to acknowledge payment", http.StatusInternalServerError)
		}
		return
	}
	if p.Status != models.PaymentStatusApproved {
		http.Error(w, "Only approved payments can be acknowledged", http.StatusBadRequest)
		return
	}

	doc := ss.buildPacs002(&p, req.Status)
	xmlData, err := ss.marshalXML(doc)
	if err != nil {
		log.Printf("[SETTLE] Failed to marshal pacs.002 for %s: %v", paymentID, err)
		http.Error(w, "Failed to acknowledge payment", http.StatusInternalServerError)
		return
	}

	log.Printf("[SETTLE] Payment %s acknowledged with status %s", paymentID, req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "acknowledged",
		"messageType": "pacs.002.001.08",
		"xml":         xmlData,
	})
}

func (ss *SettlementService) approvedSince(window time.Duration) ([]settledPayment, error) {
	rows, err := ss.db.Query(fmt.Sprintf(`
		SELECT p.payment_id, p.user_id, p.amount, p.currency, p.method, p.reviewed_at,
			u.first_name || ' ' || u.last_name
		FROM payments p
		JOIN users u ON u.id = p.user_id
		WHERE p.status = 'APPROVED' AND p.reviewed_at > NOW() - INTERVAL '%d hours'
		ORDER BY p.reviewed_at
	`, int(window.Hours())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []settledPayment{}
	for rows.Next() {
		var p settledPayment
		if err := rows.Scan(&p.PaymentID, &p.UserID, &p.Amount, &p.Currency, &p.Method,
			&p.ReviewedAt, &p.PayerName); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// buildPacs008 builds a FIToFICustomerCreditTransfer covering payments.
// Amounts are stored in centimes and reported in major currency units.
func (ss *SettlementService) buildPacs008(payments []settledPayment) *pacs_v08.FIToFICustomerCreditTransferV08 {
	msgID := uuid.New().String()
	now := time.Now()
	settlementDate := now

	var total int64
	for _, p := range payments {
		total += p.Amount
	}

	transfers := make([]pacs_v08.CreditTransferTransaction39, 0, len(payments))
	for _, p := range payments {
		p := p
		transfers = append(transfers, pacs_v08.CreditTransferTransaction39{
			PmtId: pacs_v08.PaymentIdentification7{
				InstrId:    &[]common.Max35Text{common.Max35Text(p.PaymentID)}[0],
				EndToEndId: common.Max35Text(p.PaymentID),
				TxId:       &[]common.Max35Text{common.Max35Text(p.PaymentID)}[0],
			},
			IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(p.Currency),
				Value: float64(p.Amount) / 100,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			ChrgBr:        "SLEV",
			DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
						MmbId: common.Max35Text(p.Method),
					},
				},
			},
			Dbtr: pacs_v08.PartyIdentification135{
				Nm: &[]common.Max140Text{common.Max140Text(p.PayerName)}[0],
			},
			CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(operatorBIC)}[0],
				},
			},
			Cdtr: pacs_v08.PartyIdentification135{
				Nm: &[]common.Max140Text{common.Max140Text("Transit Operator")}[0],
			},
		})
	}

	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: common.Max15NumericText(fmt.Sprintf("%d", len(payments))),
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode("HTG"),
				Value: float64(total) / 100,
			},
			IntrBkSttlmDt: (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: transfers,
	}
}

// buildPacs002 builds a payment status report for one payment.
func (ss *SettlementService) buildPacs002(p *models.Payment, status string) *pacs_v08.FIToFIPaymentStatusReportV08 {
	msgID := uuid.New().String()

	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &[]common.Max35Text{common.Max35Text(p.PaymentID)}[0],
				OrgnlEndToEndId: &[]common.Max35Text{common.Max35Text(p.PaymentID)}[0],
				OrgnlTxId:       &[]common.Max35Text{common.Max35Text(p.PaymentID)}[0],
				TxSts:           &[]pacs_v08.ExternalPaymentTransactionStatus1Code{pacs_v08.ExternalPaymentTransactionStatus1Code(status)}[0],
			},
		},
	}
}

func (ss *SettlementService) marshalXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
