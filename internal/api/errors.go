package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jensholdgaard/auctionhouse/internal/account"
	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/rating"
)

// Reason codes produced by the boundary itself.
const (
	reasonBadRequest  = "bad_request"
	reasonMissingUser = "missing_user"
	reasonInternal    = "internal"
)

var errMissingUser = errors.New("the " + UserHeader + " header is required")

// statusByReason maps reason codes to HTTP statuses. Unknown codes are 500.
var statusByReason = map[string]int{
	reasonBadRequest:  http.StatusBadRequest,
	reasonMissingUser: http.StatusUnauthorized,

	// validation
	"self_bid":              http.StatusUnprocessableEntity,
	"own_item":              http.StatusUnprocessableEntity,
	"auction_ended":         http.StatusUnprocessableEntity,
	"non_positive_bid":      http.StatusUnprocessableEntity,
	"invalid_amount":        http.StatusUnprocessableEntity,
	"bid_too_low":           http.StatusUnprocessableEntity,
	"invalid_listing":       http.StatusUnprocessableEntity,
	"invalid_confirmation":  http.StatusUnprocessableEntity,
	"invalid_shipping_info": http.StatusUnprocessableEntity,
	"invalid_rating":        http.StatusUnprocessableEntity,
	"comment_too_long":      http.StatusUnprocessableEntity,
	"invalid_handle":        http.StatusUnprocessableEntity,

	// not found
	"item_not_found":   http.StatusNotFound,
	"bidder_not_found": http.StatusNotFound,
	"owner_not_found":  http.StatusNotFound,
	"seller_not_found": http.StatusNotFound,
	"review_not_found": http.StatusNotFound,
	"user_not_found":   http.StatusNotFound,

	// caller is not allowed
	"not_owner":  http.StatusForbidden,
	"not_winner": http.StatusForbidden,
	"not_author": http.StatusForbidden,

	// integrity
	"bidding_started":   http.StatusConflict,
	"already_reviewed":  http.StatusConflict,
	"handle_taken":      http.StatusConflict,
	"already_paid":      http.StatusConflict,
	"already_requested": http.StatusConflict,
	"conflict":          http.StatusConflict,

	// preconditions on auction state
	"auction_open": http.StatusPreconditionFailed,
	"no_winner":    http.StatusPreconditionFailed,
	"not_paid":     http.StatusPreconditionFailed,
	"not_eligible": http.StatusPreconditionFailed,
}

// reason classifies err into a reason code using the owning package.
func reason(err error) string {
	if errors.Is(err, errMissingUser) {
		return reasonMissingUser
	}
	for _, classify := range []func(error) string{auction.Reason, rating.Reason, account.Reason} {
		if code := classify(err); code != reasonInternal {
			return code
		}
	}
	return reasonInternal
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := reason(err)
	status, ok := statusByReason[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		msg = "internal error"
	}
	respondJSON(w, status, errorResponse{Error: code, Message: msg})
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: reasonBadRequest, Message: msg})
}
