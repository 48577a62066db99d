package services

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

const (
	logosDir = "./static/method-logos"
	demoSVG  = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><path d="M100 60c-22.1 0-40 17.9-40 40s17.9 40 40 40 40-17.9 40-40-17.9-40-40-40zm0 65c-13.8 0-25-11.2-25-25s11.2-25 25-25 25 11.2 25 25-11.2 25-25 25z" fill="#999"/><text x="100" y="170" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">PAY</text></svg>`
)

// PaymentChannel describes an accepted payment channel shown to riders.
type PaymentChannel struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	LogoData string `json:"logoData"`
}

var methodLogos = map[string]string{
	"MONCASH":       "moncash.svg",
	"NATCASH":       "natcash.svg",
	"BANK_TRANSFER": "bank-transfer.svg",
	"CASH":          "cash.svg",
}

var paymentChannels = []PaymentChannel{
	{Code: "MONCASH", Name: "MonCash"},
	{Code: "NATCASH", Name: "NatCash"},
	{Code: "BANK_TRANSFER", Name: "Virement bancaire"},
	{Code: "CASH", Name: "Espèces (guichet)"},
}

type PaymentMethodService struct{}

func NewPaymentMethodService() *PaymentMethodService {
	return &PaymentMethodService{}
}

// ListMethods returns the accepted payment channels
// @Summary List payment methods
// @Description List the payment channels accepted for recharges and subscriptions
// @Tags payments
// @Produce json
// @Success 200 {array} PaymentChannel
// @Router /payments/methods [get]
func (pms *PaymentMethodService) ListMethods(w http.ResponseWriter, r *http.Request) {
	methods := make([]PaymentChannel, len(paymentChannels))
	copy(methods, paymentChannels)

	for i := range methods {
		methods[i].LogoData = pms.LoadLogo(methods[i].Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(methods)
}

func (pms *PaymentMethodService) LoadLogo(code string) string {
	filename, ok := methodLogos[code]
	if !ok {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
	}

	path := filepath.Join(logosDir, filename)
	if data, err := os.ReadFile(path); err == nil {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(data)
	}

	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
}
