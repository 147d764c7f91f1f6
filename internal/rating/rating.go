// Package rating scores buyer reviews and keeps each seller's displayed
// rating in step with the reviews that exist for them.
package rating

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Bounds of every sub-rating, inclusive.
const (
	MinScore = 1
	MaxScore = 5
)

// ErrInvalidRating is returned for sub-ratings outside [MinScore, MaxScore].
var ErrInvalidRating = errors.New("sub-ratings must be between 1 and 5")

// Floor is the seller rating reported once no reviews remain.
var Floor = decimal.New(1, -2)

var categories = decimal.NewFromInt(5)

// Scores are the five sub-ratings of a review.
type Scores struct {
	Service   int `json:"service"`
	Product   int `json:"product"`
	Packaging int `json:"packaging"`
	Shipping  int `json:"shipping"`
	Overall   int `json:"overall"`
}

func (s Scores) values() [5]int {
	return [5]int{s.Service, s.Product, s.Packaging, s.Shipping, s.Overall}
}

// Validate checks every sub-rating against the bounds.
func (s Scores) Validate() error {
	for _, v := range s.values() {
		if v < MinScore || v > MaxScore {
			return ErrInvalidRating
		}
	}
	return nil
}

// Rating is the mean of the five sub-ratings. A mean of five integers always
// fits in one decimal place.
func (s Scores) Rating() decimal.Decimal {
	sum := 0
	for _, v := range s.values() {
		sum += v
	}
	return decimal.NewFromInt(int64(sum)).Div(categories).Round(1)
}

// SellerRating folds review ratings into a seller rating: the mean rounded
// half up to two places, or Floor when there are none.
func SellerRating(ratings []decimal.Decimal) decimal.Decimal {
	if len(ratings) == 0 {
		return Floor
	}
	avg := decimal.Avg(ratings[0], ratings[1:]...).Round(2)
	if avg.LessThan(Floor) {
		return Floor
	}
	return avg
}
