package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/rating"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

type userResponse struct {
	ID         string              `json:"id"`
	Handle     string              `json:"handle"`
	UserRating decimal.NullDecimal `json:"user_rating"`
	CreatedAt  time.Time           `json:"created_at"`
}

func newUserResponse(u *store.User) userResponse {
	return userResponse{ID: u.ID, Handle: u.Handle, UserRating: u.UserRating, CreatedAt: u.CreatedAt}
}

type profileResponse struct {
	userResponse
	ItemsSold int `json:"items_sold"`
}

type favoriteRequest struct {
	ItemID string `json:"item_id"`
}

type favoriteResponse struct {
	ItemID    string     `json:"item_id"`
	Favorited bool       `json:"favorited"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

type itemRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InitialBid  decimal.Decimal `json:"initial_bid"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time"`
}

func (r itemRequest) listing() auction.Listing {
	return auction.Listing{
		Name:        r.Name,
		Description: r.Description,
		InitialBid:  r.InitialBid,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
	}
}

type itemResponse struct {
	ID              string              `json:"id"`
	OwnerID         string              `json:"owner_id"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	InitialBid      decimal.Decimal     `json:"initial_bid"`
	CurrentBid      decimal.NullDecimal `json:"current_bid"`
	HighestBidderID *string             `json:"highest_bidder_id"`
	StartTime       time.Time           `json:"start_time"`
	EndTime         time.Time           `json:"end_time"`
	Version         int64               `json:"version"`
}

func newItemResponse(it *store.Item) itemResponse {
	return itemResponse{
		ID:              it.ID,
		OwnerID:         it.OwnerID,
		Name:            it.Name,
		Description:     it.Description,
		InitialBid:      it.InitialBid,
		CurrentBid:      it.CurrentBid,
		HighestBidderID: it.HighestBidderID,
		StartTime:       it.StartTime,
		EndTime:         it.EndTime,
		Version:         it.Version,
	}
}

type bidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type bidResponse struct {
	BidID           string          `json:"bid_id"`
	ItemID          string          `json:"item_id"`
	CurrentBid      decimal.Decimal `json:"current_bid"`
	HighestBidderID string          `json:"highest_bidder_id"`
	BidderLabel     string          `json:"bidder_label"`
	PlacedAt        time.Time       `json:"placed_at"`
}

type ledgerEntry struct {
	ID        string          `json:"id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type auctionResponse struct {
	ItemID          string              `json:"item_id"`
	OwnerID         string              `json:"owner_id"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	InitialBid      decimal.Decimal     `json:"initial_bid"`
	CurrentBid      decimal.NullDecimal `json:"current_bid"`
	HighestBidderID *string             `json:"highest_bidder_id"`
	MinimumBid      decimal.Decimal     `json:"minimum_bid"`
	StartTime       time.Time           `json:"start_time"`
	EndTime         time.Time           `json:"end_time"`
	IsClosed        bool                `json:"is_closed"`
	BidCount        int                 `json:"bid_count"`
	BidHistory      store.BidHistory    `json:"bid_history"`
}

type settlementResponse struct {
	ItemID              string              `json:"item_id"`
	Closed              bool                `json:"closed"`
	WinnerID            string              `json:"winner_id,omitempty"`
	Amount              decimal.NullDecimal `json:"amount"`
	PaymentConfirmation string              `json:"payment_confirmation,omitempty"`
	ShippingInfo        string              `json:"shipping_info,omitempty"`
	RequestedAt         *time.Time          `json:"settlement_requested_at,omitempty"`
}

func newSettlementResponse(s *auction.Settlement) settlementResponse {
	return settlementResponse{
		ItemID:              s.ItemID,
		Closed:              s.Closed,
		WinnerID:            s.WinnerID,
		Amount:              s.Amount,
		PaymentConfirmation: s.PaymentConfirmation,
		ShippingInfo:        s.ShippingInfo,
		RequestedAt:         s.RequestedAt,
	}
}

type paymentRequest struct {
	Confirmation string `json:"confirmation"`
}

type shippingRequest struct {
	ShippingInfo string `json:"shipping_info"`
}

type reviewRequest struct {
	rating.Scores
	Comment string `json:"comment"`
}

type reviewResponse struct {
	ID        string          `json:"id"`
	AuthorID  string          `json:"author_id"`
	SellerID  string          `json:"seller_id"`
	Scores    rating.Scores   `json:"scores"`
	Rating    decimal.Decimal `json:"rating"`
	Comment   string          `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newReviewResponse(rv *store.Review) reviewResponse {
	return reviewResponse{
		ID:       rv.ID,
		AuthorID: rv.AuthorID,
		SellerID: rv.SellerID,
		Scores: rating.Scores{
			Service:   rv.Service,
			Product:   rv.Product,
			Packaging: rv.Packaging,
			Shipping:  rv.Shipping,
			Overall:   rv.Overall,
		},
		Rating:    rv.Rating,
		Comment:   rv.Comment,
		CreatedAt: rv.CreatedAt,
		UpdatedAt: rv.UpdatedAt,
	}
}

type reviewResultResponse struct {
	Review       reviewResponse  `json:"review"`
	SellerRating decimal.Decimal `json:"seller_rating"`
}

type summaryResponse struct {
	SellerID           string              `json:"seller_id"`
	SellerRating       decimal.NullDecimal `json:"seller_rating"`
	ReviewCount        int                 `json:"review_count"`
	Service            decimal.Decimal     `json:"service"`
	Product            decimal.Decimal     `json:"product"`
	Packaging          decimal.Decimal     `json:"packaging"`
	Shipping           decimal.Decimal     `json:"shipping"`
	Overall            decimal.Decimal     `json:"overall"`
	FiveStarPercentage decimal.Decimal     `json:"five_star_percentage"`
	Reviews            []reviewResponse    `json:"reviews"`
}

// RegisterUser handles POST /users.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle string `json:"handle"`
	}
	if !decode(w, r, &req) {
		return
	}
	u, err := h.accounts.RegisterUser(r.Context(), req.Handle)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newUserResponse(u))
}

// GetUser handles GET /users/{id}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	p, err := h.accounts.GetProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, profileResponse{userResponse: newUserResponse(p.User), ItemsSold: p.ItemsSold})
}

// ToggleFavorite handles POST /favorites.
func (h *Handler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req favoriteRequest
	if !decode(w, r, &req) {
		return
	}
	favorited, err := h.accounts.ToggleFavorite(r.Context(), caller, req.ItemID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, favoriteResponse{ItemID: req.ItemID, Favorited: favorited})
}

// ListFavorites handles GET /favorites.
func (h *Handler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	favs, err := h.accounts.Favorites(r.Context(), caller)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]favoriteResponse, 0, len(favs))
	for _, f := range favs {
		out = append(out, favoriteResponse{ItemID: f.ItemID, Favorited: true, CreatedAt: &f.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

// ListItems handles GET /items. The owner query parameter narrows the list
// to one seller and limit sets the page size.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := h.auctions.ListItems(r.Context(), q.Get("owner"), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]itemResponse, 0, len(items))
	for i := range items {
		out = append(out, newItemResponse(&items[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetItem handles GET /items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.auctions.GetItem(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newItemResponse(it))
}

// CreateItem handles POST /items.
func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req itemRequest
	if !decode(w, r, &req) {
		return
	}
	it, err := h.auctions.CreateItem(r.Context(), caller, req.listing())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, newItemResponse(it))
}

// EditItem handles PUT /items/{id}.
func (h *Handler) EditItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req itemRequest
	if !decode(w, r, &req) {
		return
	}
	it, err := h.auctions.EditItem(r.Context(), caller, mux.Vars(r)["id"], req.listing())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newItemResponse(it))
}

// DeleteItem handles DELETE /items/{id}.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.auctions.DeleteItem(r.Context(), caller, mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceBid handles POST /items/{id}/bids.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req bidRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.auctions.PlaceBid(r.Context(), mux.Vars(r)["id"], caller, req.Amount)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, bidResponse{
		BidID:           res.BidID,
		ItemID:          res.ItemID,
		CurrentBid:      res.CurrentBid,
		HighestBidderID: res.HighestBidderID,
		BidderLabel:     res.BidderLabel,
		PlacedAt:        res.PlacedAt,
	})
}

// ListBids handles GET /items/{id}/bids.
func (h *Handler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.auctions.ListBids(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]ledgerEntry, 0, len(bids))
	for _, b := range bids {
		out = append(out, ledgerEntry{ID: b.ID, BidderID: b.BidderID, Amount: b.Amount, CreatedAt: b.CreatedAt})
	}
	respondJSON(w, http.StatusOK, out)
}

// GetAuctionState handles GET /items/{id}/auction.
func (h *Handler) GetAuctionState(w http.ResponseWriter, r *http.Request) {
	st, err := h.auctions.GetAuctionState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, auctionResponse{
		ItemID:          st.ItemID,
		OwnerID:         st.OwnerID,
		Name:            st.Name,
		Description:     st.Description,
		InitialBid:      st.InitialBid,
		CurrentBid:      st.CurrentBid,
		HighestBidderID: st.HighestBidderID,
		MinimumBid:      st.MinimumBid,
		StartTime:       st.StartTime,
		EndTime:         st.EndTime,
		IsClosed:        st.IsClosed,
		BidCount:        st.BidCount,
		BidHistory:      st.BidHistory,
	})
}

// GetSettlement handles GET /items/{id}/settlement.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.auctions.Settlement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newSettlementResponse(s))
}

// ConfirmPayment handles POST /items/{id}/payment. It is called by the
// payment collaborator once the winning bid has been captured.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.auctions.ConfirmPayment(r.Context(), mux.Vars(r)["id"], req.Confirmation)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newSettlementResponse(s))
}

// SetShippingInfo handles PUT /items/{id}/shipping.
func (h *Handler) SetShippingInfo(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req shippingRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.auctions.SetShippingInfo(r.Context(), mux.Vars(r)["id"], caller, req.ShippingInfo)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newSettlementResponse(s))
}

// SubmitReview handles POST /sellers/{id}/reviews.
func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.ratings.SubmitReview(r.Context(), caller, mux.Vars(r)["id"], req.Scores, req.Comment)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, reviewResultResponse{
		Review:       newReviewResponse(res.Review),
		SellerRating: res.SellerRating,
	})
}

// SellerSummary handles GET /sellers/{id}/reviews.
func (h *Handler) SellerSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.ratings.SellerSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	reviews := make([]reviewResponse, 0, len(sum.Reviews))
	for i := range sum.Reviews {
		reviews = append(reviews, newReviewResponse(&sum.Reviews[i]))
	}
	respondJSON(w, http.StatusOK, summaryResponse{
		SellerID:           sum.SellerID,
		SellerRating:       sum.SellerRating,
		ReviewCount:        sum.ReviewCount,
		Service:            sum.Service,
		Product:            sum.Product,
		Packaging:          sum.Packaging,
		Shipping:           sum.Shipping,
		Overall:            sum.Overall,
		FiveStarPercentage: sum.FiveStarPercentage,
		Reviews:            reviews,
	})
}

// UpdateReview handles PUT /reviews/{id}.
func (h *Handler) UpdateReview(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.ratings.UpdateReview(r.Context(), caller, mux.Vars(r)["id"], req.Scores, req.Comment)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reviewResultResponse{
		Review:       newReviewResponse(res.Review),
		SellerRating: res.SellerRating,
	})
}

// DeleteReview handles DELETE /reviews/{id}.
func (h *Handler) DeleteReview(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	sellerRating, err := h.ratings.DeleteReview(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]decimal.Decimal{"seller_rating": sellerRating})
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		h.respondError(w, r, errMissingUser)
		return "", false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
