// Package auction holds the bidding core: the bid validator, the closure
// predicate and the settlement engine that applies accepted bids.
package auction

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// Bid rejections, in the order Validate checks them.
var (
	ErrSelfBid        = errors.New("cannot bid on your own item")
	ErrAuctionEnded   = errors.New("auction has ended")
	ErrNonPositiveBid = errors.New("bid must be positive")
	ErrInvalidAmount  = errors.New("amount must have at most two decimal places and stay below 100000000")
	ErrBidTooLow      = errors.New("bid is too low")
)

// Errors returned by Manager operations.
var (
	ErrItemNotFound   = errors.New("item not found")
	ErrBidderNotFound = errors.New("bidder not found")
	ErrOwnerNotFound  = errors.New("owner not found")
	ErrConflict       = errors.New("item is being modified concurrently, retry")
	ErrInvalidListing = errors.New("invalid listing")
	ErrNotOwner       = errors.New("only the owner may change this item")
	ErrBiddingStarted = errors.New("bidding has started, the item can no longer change")

	ErrAuctionOpen         = errors.New("auction has not ended yet")
	ErrNoWinner            = errors.New("auction closed without a winner")
	ErrNotWinner           = errors.New("only the winning bidder may do this")
	ErrAlreadyPaid         = errors.New("payment already confirmed")
	ErrNotPaid             = errors.New("payment not confirmed yet")
	ErrAlreadyRequested    = errors.New("settlement already requested")
	ErrInvalidConfirmation = errors.New("payment confirmation must be 1 to 64 characters")
	ErrInvalidShippingInfo = errors.New("shipping info must be 1 to 2000 characters")
)

const (
	maxNameLen        = 80
	maxConfirmation   = 64
	maxShippingInfo   = 2000
	amountPlaces      = 2
	maskedSingleLabel = "*"
)

var (
	minAmount = decimal.New(1, -amountPlaces) // 0.01
	maxAmount = decimal.New(1, 8)             // NUMERIC(10,2) upper bound, exclusive
)

// IsClosed reports whether the auction of it has ended at now. There is no
// stored status: every caller evaluates this against the clock.
func IsClosed(it *store.Item, now time.Time) bool {
	return !it.EndTime.After(now)
}

// Winner returns the winning bidder of a closed auction, or "" while the
// auction is still open or nobody bid.
func Winner(it *store.Item, now time.Time) string {
	if !IsClosed(it, now) || it.HighestBidderID == nil {
		return ""
	}
	return *it.HighestBidderID
}

// ValidAmount reports whether a is a representable money amount.
func ValidAmount(a decimal.Decimal) bool {
	return a.Equal(a.Truncate(amountPlaces)) && a.LessThan(maxAmount)
}

// Validate decides whether bidderID may bid amount on it at now. The first
// failing check wins.
func Validate(it *store.Item, bidderID string, amount decimal.Decimal, now time.Time) error {
	if bidderID == it.OwnerID {
		return ErrSelfBid
	}
	if IsClosed(it, now) {
		return ErrAuctionEnded
	}
	if !amount.IsPositive() {
		return ErrNonPositiveBid
	}
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	if it.CurrentBid.Valid {
		if !amount.GreaterThan(it.CurrentBid.Decimal) {
			return ErrBidTooLow
		}
		return nil
	}
	if amount.LessThan(it.InitialBid) {
		return ErrBidTooLow
	}
	return nil
}

// MinimumNextBid returns the smallest amount Validate would accept on price
// alone.
func MinimumNextBid(it *store.Item) decimal.Decimal {
	if it.CurrentBid.Valid {
		return it.CurrentBid.Decimal.Add(minAmount)
	}
	return it.InitialBid
}

// MaskBidder renders a handle for the public bid history: first character,
// three stars, last character. Handles shorter than two characters become a
// single star so that nothing of them leaks.
func MaskBidder(handle string) string {
	if utf8.RuneCountInString(handle) < 2 {
		return maskedSingleLabel
	}
	first, _ := utf8.DecodeRuneInString(handle)
	last, _ := utf8.DecodeLastRuneInString(handle)
	var b strings.Builder
	b.WriteRune(first)
	b.WriteString("***")
	b.WriteRune(last)
	return b.String()
}

// Listing is the owner editable part of an item.
type Listing struct {
	Name        string
	Description string
	InitialBid  decimal.Decimal
	StartTime   time.Time
	EndTime     time.Time
}

func (l Listing) validate(now time.Time) error {
	switch n := utf8.RuneCountInString(strings.TrimSpace(l.Name)); {
	case n == 0:
		return invalidListing("name is required")
	case n > maxNameLen:
		return invalidListing("name is longer than 80 characters")
	}
	if l.InitialBid.LessThan(minAmount) || !ValidAmount(l.InitialBid) {
		return invalidListing("initial bid must be at least 0.01 with at most two decimal places")
	}
	if !l.EndTime.After(l.StartTime) {
		return invalidListing("end time must be after start time")
	}
	if !l.EndTime.After(now) {
		return invalidListing("end time must be in the future")
	}
	return nil
}

type listingError string

func (e listingError) Error() string { return "invalid listing: " + string(e) }
func (e listingError) Is(target error) bool { return target == ErrInvalidListing }

func invalidListing(reason string) error { return listingError(reason) }
