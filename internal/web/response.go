package web

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// problem JSON body of a rejected request.
type problem struct {
	Error     string           `json:"error"`
	Message   string           `json:"message"`
	Asset     string           `json:"asset,omitempty"`
	Current   *decimal.Decimal `json:"current,omitempty"`
	Required  *decimal.Decimal `json:"required,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
	Score     int              `json:"score,omitempty"`
	Tier      string           `json:"tier,omitempty"`
}

var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalidAmount:          http.StatusBadRequest,
	domain.KindInvalidDuration:        http.StatusBadRequest,
	domain.KindUnsupportedAsset:       http.StatusBadRequest,
	domain.KindUnauthorized:           http.StatusForbidden,
	domain.KindLoanNotFound:           http.StatusNotFound,
	domain.KindLoanInactive:           http.StatusConflict,
	domain.KindInsufficientCollateral: http.StatusUnprocessableEntity,
	domain.KindRatioBreach:            http.StatusUnprocessableEntity,
	domain.KindInsufficientLiquidity:  http.StatusUnprocessableEntity,
	domain.KindCreditTooLow:           http.StatusUnprocessableEntity,
	domain.KindOracleUnavailable:      http.StatusServiceUnavailable,
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	var derr *domain.Error
	if errors.As(err, &derr) {
		if status, ok := kindStatus[derr.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, problem{Error: code, Message: message})
}

// writeError renders an engine error with its threshold details.
func writeError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		writeProblem(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	body := problem{
		Error:   string(derr.Kind),
		Message: derr.Message,
		Asset:   derr.Asset,
		Score:   derr.Score,
		Tier:    derr.Tier,
	}
	if body.Message == "" {
		body.Message = derr.Error()
	}
	body.Current = nonZero(derr.Current)
	body.Required = nonZero(derr.Required)
	body.Shortfall = nonZero(derr.Shortfall)

	writeJSON(w, statusFor(err), body)
}

func nonZero(v decimal.Decimal) *decimal.Decimal {
	if v.IsZero() {
		return nil
	}
	return &v
}
