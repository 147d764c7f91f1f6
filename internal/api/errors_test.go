package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jensholdgaard/auctionhouse/internal/account"
	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/rating"
)

func TestReason(t *testing.T) {
	tests := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{auction.ErrSelfBid, "self_bid", http.StatusUnprocessableEntity},
		{fmt.Errorf("%w after 3 attempts", auction.ErrConflict), "conflict", http.StatusConflict},
		{auction.ErrItemNotFound, "item_not_found", http.StatusNotFound},
		{auction.ErrBiddingStarted, "bidding_started", http.StatusConflict},
		{auction.ErrNotPaid, "not_paid", http.StatusPreconditionFailed},
		{rating.ErrNotEligible, "not_eligible", http.StatusPreconditionFailed},
		{rating.ErrAlreadyReviewed, "already_reviewed", http.StatusConflict},
		{rating.ErrConflict, "conflict", http.StatusConflict},
		{account.ErrHandleTaken, "handle_taken", http.StatusConflict},
		{account.ErrOwnItem, "own_item", http.StatusUnprocessableEntity},
		{account.ErrItemNotFound, "item_not_found", http.StatusNotFound},
		{errMissingUser, "missing_user", http.StatusUnauthorized},
		{errors.New("disk full"), "internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			code := reason(tt.err)
			if code != tt.wantCode {
				t.Errorf("reason(%v) = %q, want %q", tt.err, code, tt.wantCode)
			}
			status, ok := statusByReason[code]
			if !ok {
				status = http.StatusInternalServerError
			}
			if status != tt.wantStatus {
				t.Errorf("status(%q) = %d, want %d", code, status, tt.wantStatus)
			}
		})
	}
}

// Every reason a domain package can produce must map to a status.
func TestStatusByReason_CoversDomainErrors(t *testing.T) {
	domain := []error{
		auction.ErrSelfBid, auction.ErrAuctionEnded, auction.ErrNonPositiveBid, auction.ErrInvalidAmount,
		auction.ErrBidTooLow, auction.ErrItemNotFound, auction.ErrBidderNotFound, auction.ErrOwnerNotFound,
		auction.ErrConflict, auction.ErrInvalidListing, auction.ErrNotOwner, auction.ErrBiddingStarted,
		auction.ErrAuctionOpen, auction.ErrNoWinner, auction.ErrNotWinner, auction.ErrAlreadyPaid,
		auction.ErrNotPaid, auction.ErrAlreadyRequested, auction.ErrInvalidConfirmation, auction.ErrInvalidShippingInfo,
		rating.ErrInvalidRating, rating.ErrSellerNotFound, rating.ErrNotEligible, rating.ErrAlreadyReviewed,
		rating.ErrReviewNotFound, rating.ErrNotAuthor, rating.ErrCommentTooLong, rating.ErrConflict,
		account.ErrInvalidHandle, account.ErrHandleTaken, account.ErrUserNotFound, account.ErrItemNotFound,
		account.ErrOwnItem,
	}
	for _, err := range domain {
		code := reason(err)
		if _, ok := statusByReason[code]; !ok {
			t.Errorf("reason %q of %v has no status", code, err)
		}
	}
}
