package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/auctionhouse/internal/account"
	"github.com/jensholdgaard/auctionhouse/internal/api"
	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/config"
	"github.com/jensholdgaard/auctionhouse/internal/event/eventtest"
	"github.com/jensholdgaard/auctionhouse/internal/health"
	"github.com/jensholdgaard/auctionhouse/internal/rating"
	"github.com/jensholdgaard/auctionhouse/internal/store/sqlite"
	"github.com/jensholdgaard/auctionhouse/internal/store/sqlstore"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	clock  *clock.Mock
	events *eventtest.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.Connect(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("connecting to sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := &clock.Mock{T: now}
	repos := sqlstore.NewRepositories(db, sqlite.Dialect, clk)
	rec := &eventtest.Recorder{}
	logger := slog.Default()
	tp := noop.NewTracerProvider()
	mp := metricnoop.NewMeterProvider()
	bidding := config.BiddingConfig{MaxAttempts: 3}

	auctions, err := auction.NewManager(bidding, repos.Items, repos.Users, rec, logger, tp, mp, clk)
	if err != nil {
		t.Fatalf("auction.NewManager: %v", err)
	}
	ratings, err := rating.NewManager(bidding, repos.Reviews, repos.Items, repos.Users, rec, logger, tp, mp, clk)
	if err != nil {
		t.Fatalf("rating.NewManager: %v", err)
	}
	accounts := account.NewManager(repos.Users, repos.Items, repos.Favorites, rec, logger, tp, clk)
	hh := health.NewHandler(clk, health.Checker{Name: "ledger", Check: repos.Ping})
	hh.SetReady(true)

	h := api.NewHandler(accounts, auctions, ratings, hh, logger, tp)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, clock: clk, events: rec}
}

// do sends a JSON request and decodes the JSON answer into out when set.
func (s *testServer) do(method, path, user string, body any, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	if err != nil {
		s.t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// expectError asserts the status and reason code of a failing request.
func (s *testServer) expectError(method, path, user string, body any, wantStatus int, wantCode string) {
	s.t.Helper()
	var e apiError
	if got := s.do(method, path, user, body, &e); got != wantStatus || e.Error != wantCode {
		s.t.Errorf("%s %s = %d %q, want %d %q (%s)", method, path, got, e.Error, wantStatus, wantCode, e.Message)
	}
}

func (s *testServer) register(handle string) string {
	s.t.Helper()
	var u struct {
		ID string `json:"id"`
	}
	if code := s.do(http.MethodPost, "/api/v1/users", "", map[string]string{"handle": handle}, &u); code != http.StatusCreated {
		s.t.Fatalf("register %q = %d", handle, code)
	}
	return u.ID
}

func (s *testServer) list(owner string, endsIn time.Duration) string {
	s.t.Helper()
	var it struct {
		ID string `json:"id"`
	}
	body := map[string]any{
		"name":        "Lamp",
		"description": "brass desk lamp",
		"initial_bid": "10.00",
		"end_time":    now.Add(endsIn),
	}
	if code := s.do(http.MethodPost, "/api/v1/items", owner, body, &it); code != http.StatusCreated {
		s.t.Fatalf("create item = %d", code)
	}
	return it.ID
}

func bid(amount string) map[string]string { return map[string]string{"amount": amount} }

func scores(v int, comment string) map[string]any {
	return map[string]any{
		"service": v, "product": v, "packaging": v, "shipping": v, "overall": v,
		"comment": comment,
	}
}

func TestAPI_AuctionFlow(t *testing.T) {
	s := newTestServer(t)
	seller := s.register("seller")
	ann := s.register("ann")
	bob := s.register("bob")
	item := s.list(seller, time.Hour)
	bids := "/api/v1/items/" + item + "/bids"

	var placed struct {
		CurrentBid  string `json:"current_bid"`
		BidderLabel string `json:"bidder_label"`
	}
	if code := s.do(http.MethodPost, bids, ann, bid("10.00"), &placed); code != http.StatusCreated {
		t.Fatalf("first bid = %d", code)
	}
	if placed.CurrentBid != "10" || placed.BidderLabel != "a***n" {
		t.Errorf("first bid = %+v", placed)
	}

	s.expectError(http.MethodPost, bids, bob, bid("10.00"), http.StatusUnprocessableEntity, "bid_too_low")
	s.expectError(http.MethodPost, bids, seller, bid("50"), http.StatusUnprocessableEntity, "self_bid")
	s.expectError(http.MethodPost, bids, bob, bid("-1"), http.StatusUnprocessableEntity, "non_positive_bid")
	s.expectError(http.MethodPost, bids, bob, bid("10.005"), http.StatusUnprocessableEntity, "invalid_amount")
	s.expectError(http.MethodPost, bids, "", bid("20"), http.StatusUnauthorized, "missing_user")
	s.expectError(http.MethodPost, "/api/v1/items/missing/bids", bob, bid("20"), http.StatusNotFound, "item_not_found")
	s.expectError(http.MethodPost, bids, bob, map[string]string{"bogus": "1"}, http.StatusBadRequest, "bad_request")

	if code := s.do(http.MethodPost, bids, bob, bid("12.50"), nil); code != http.StatusCreated {
		t.Fatalf("second bid = %d", code)
	}

	var state struct {
		CurrentBid      string `json:"current_bid"`
		HighestBidderID string `json:"highest_bidder_id"`
		IsClosed        bool   `json:"is_closed"`
		BidCount        int    `json:"bid_count"`
		BidHistory      []struct {
			Bidder string `json:"bidder"`
			Amount string `json:"amount"`
		} `json:"bid_history"`
	}
	if code := s.do(http.MethodGet, "/api/v1/items/"+item+"/auction", "", nil, &state); code != http.StatusOK {
		t.Fatalf("auction state = %d", code)
	}
	if state.CurrentBid != "12.5" || state.HighestBidderID != bob || state.IsClosed || state.BidCount != 2 {
		t.Errorf("state = %+v", state)
	}
	if len(state.BidHistory) != 2 || state.BidHistory[0].Bidder != "b***b" || state.BidHistory[1].Bidder != "a***n" {
		t.Errorf("history = %+v, want newest first", state.BidHistory)
	}

	var ledger []struct {
		BidderID string `json:"bidder_id"`
	}
	if code := s.do(http.MethodGet, bids, "", nil, &ledger); code != http.StatusOK || len(ledger) != 2 || ledger[0].BidderID != bob {
		t.Errorf("ledger = %d %+v", code, ledger)
	}

	edit := map[string]any{"name": "Other", "end_time": now.Add(2 * time.Hour)}
	s.expectError(http.MethodPut, "/api/v1/items/"+item, seller, edit, http.StatusConflict, "bidding_started")
	s.expectError(http.MethodDelete, "/api/v1/items/"+item, seller, nil, http.StatusConflict, "bidding_started")

	settlement := "/api/v1/items/" + item + "/settlement"
	payment := "/api/v1/items/" + item + "/payment"
	shipping := "/api/v1/items/" + item + "/shipping"
	s.expectError(http.MethodPost, payment, "", map[string]string{"confirmation": "pay-1"}, http.StatusPreconditionFailed, "auction_open")

	s.clock.Advance(time.Hour)
	s.expectError(http.MethodPost, bids, ann, bid("100"), http.StatusUnprocessableEntity, "auction_ended")

	var facts struct {
		Closed   bool   `json:"closed"`
		WinnerID string `json:"winner_id"`
		Amount   string `json:"amount"`
	}
	if code := s.do(http.MethodGet, settlement, "", nil, &facts); code != http.StatusOK {
		t.Fatalf("settlement = %d", code)
	}
	if !facts.Closed || facts.WinnerID != bob || facts.Amount != "12.5" {
		t.Errorf("settlement = %+v", facts)
	}

	s.expectError(http.MethodPut, shipping, bob, map[string]string{"shipping_info": "1 Main St"}, http.StatusPreconditionFailed, "not_paid")
	if code := s.do(http.MethodPost, payment, "", map[string]string{"confirmation": "pay-1"}, nil); code != http.StatusOK {
		t.Fatalf("payment = %d", code)
	}
	s.expectError(http.MethodPost, payment, "", map[string]string{"confirmation": "pay-2"}, http.StatusConflict, "already_paid")
	s.expectError(http.MethodPut, shipping, ann, map[string]string{"shipping_info": "2 Side St"}, http.StatusForbidden, "not_winner")
	var shipped struct {
		ShippingInfo string `json:"shipping_info"`
	}
	if code := s.do(http.MethodPut, shipping, bob, map[string]string{"shipping_info": "1 Main St"}, &shipped); code != http.StatusOK || shipped.ShippingInfo != "1 Main St" {
		t.Errorf("shipping = %d %+v", code, shipped)
	}
}

func TestAPI_ItemLifecycle(t *testing.T) {
	s := newTestServer(t)
	seller := s.register("seller")
	other := s.register("other")
	item := s.list(seller, time.Hour)

	s.expectError(http.MethodPost, "/api/v1/items", seller, map[string]any{"name": "", "initial_bid": "1", "end_time": now.Add(time.Hour)},
		http.StatusUnprocessableEntity, "invalid_listing")
	s.expectError(http.MethodPost, "/api/v1/items", "ghost", map[string]any{"name": "x", "initial_bid": "1", "end_time": now.Add(time.Hour)},
		http.StatusNotFound, "owner_not_found")

	edit := map[string]any{"name": "Brass lamp", "end_time": now.Add(2 * time.Hour)}
	s.expectError(http.MethodPut, "/api/v1/items/"+item, other, edit, http.StatusForbidden, "not_owner")

	var edited struct {
		Name       string `json:"name"`
		InitialBid string `json:"initial_bid"`
		Version    int64  `json:"version"`
	}
	if code := s.do(http.MethodPut, "/api/v1/items/"+item, seller, edit, &edited); code != http.StatusOK {
		t.Fatalf("edit = %d", code)
	}
	if edited.Name != "Brass lamp" || edited.InitialBid != "10" || edited.Version != 2 {
		t.Errorf("edited = %+v", edited)
	}

	if code := s.do(http.MethodDelete, "/api/v1/items/"+item, seller, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	s.expectError(http.MethodGet, "/api/v1/items/"+item+"/auction", "", nil, http.StatusNotFound, "item_not_found")
}

func TestAPI_Users(t *testing.T) {
	s := newTestServer(t)
	id := s.register("ann")

	s.expectError(http.MethodPost, "/api/v1/users", "", map[string]string{"handle": "ann"}, http.StatusConflict, "handle_taken")
	s.expectError(http.MethodPost, "/api/v1/users", "", map[string]string{"handle": " "}, http.StatusUnprocessableEntity, "invalid_handle")

	var u struct {
		Handle     string  `json:"handle"`
		UserRating *string `json:"user_rating"`
	}
	if code := s.do(http.MethodGet, "/api/v1/users/"+id, "", nil, &u); code != http.StatusOK {
		t.Fatalf("get user = %d", code)
	}
	if u.Handle != "ann" || u.UserRating != nil {
		t.Errorf("user = %+v, want ann without rating", u)
	}
	s.expectError(http.MethodGet, "/api/v1/users/missing", "", nil, http.StatusNotFound, "user_not_found")
}

func TestAPI_Reviews(t *testing.T) {
	s := newTestServer(t)
	seller := s.register("seller")
	ann := s.register("ann")
	bob := s.register("bob")
	first := s.list(seller, time.Hour)
	second := s.list(seller, time.Hour)
	if code := s.do(http.MethodPost, "/api/v1/items/"+first+"/bids", ann, bid("11"), nil); code != http.StatusCreated {
		t.Fatalf("bid = %d", code)
	}
	if code := s.do(http.MethodPost, "/api/v1/items/"+second+"/bids", bob, bid("11"), nil); code != http.StatusCreated {
		t.Fatalf("bid = %d", code)
	}

	reviews := "/api/v1/sellers/" + seller + "/reviews"
	s.expectError(http.MethodPost, reviews, ann, scores(3, ""), http.StatusPreconditionFailed, "not_eligible")

	s.clock.Advance(2 * time.Hour)
	s.expectError(http.MethodPost, reviews, ann, scores(6, ""), http.StatusUnprocessableEntity, "invalid_rating")
	s.expectError(http.MethodPost, "/api/v1/sellers/ghost/reviews", ann, scores(3, ""), http.StatusNotFound, "seller_not_found")

	var res struct {
		Review struct {
			ID     string `json:"id"`
			Rating string `json:"rating"`
		} `json:"review"`
		SellerRating string `json:"seller_rating"`
	}
	if code := s.do(http.MethodPost, reviews, ann, scores(3, "ok"), &res); code != http.StatusCreated {
		t.Fatalf("submit ann = %d", code)
	}
	if res.Review.Rating != "3" || res.SellerRating != "3" {
		t.Errorf("ann review = %+v", res)
	}
	annReview := res.Review.ID
	s.expectError(http.MethodPost, reviews, ann, scores(3, ""), http.StatusConflict, "already_reviewed")

	if code := s.do(http.MethodPost, reviews, bob, scores(5, ""), &res); code != http.StatusCreated {
		t.Fatalf("submit bob = %d", code)
	}
	if res.SellerRating != "4" {
		t.Errorf("seller rating = %s, want 4", res.SellerRating)
	}
	bobReview := res.Review.ID

	var summary struct {
		SellerRating string `json:"seller_rating"`
		ReviewCount  int    `json:"review_count"`
	}
	if code := s.do(http.MethodGet, reviews, "", nil, &summary); code != http.StatusOK || summary.ReviewCount != 2 || summary.SellerRating != "4" {
		t.Errorf("summary = %d %+v", code, summary)
	}

	s.expectError(http.MethodPut, "/api/v1/reviews/"+annReview, bob, scores(1, ""), http.StatusForbidden, "not_author")
	if code := s.do(http.MethodPut, "/api/v1/reviews/"+annReview, ann, scores(4, ""), &res); code != http.StatusOK || res.SellerRating != "4.5" {
		t.Errorf("update = %d seller %s, want 4.5", code, res.SellerRating)
	}

	var deleted struct {
		SellerRating string `json:"seller_rating"`
	}
	if code := s.do(http.MethodDelete, "/api/v1/reviews/"+bobReview, bob, nil, &deleted); code != http.StatusOK || deleted.SellerRating != "4" {
		t.Errorf("delete bob = %d seller %s, want 4", code, deleted.SellerRating)
	}
	if code := s.do(http.MethodDelete, "/api/v1/reviews/"+annReview, ann, nil, &deleted); code != http.StatusOK || deleted.SellerRating != "0.01" {
		t.Errorf("delete ann = %d seller %s, want 0.01", code, deleted.SellerRating)
	}
	s.expectError(http.MethodDelete, "/api/v1/reviews/"+annReview, ann, nil, http.StatusNotFound, "review_not_found")

	var u struct {
		UserRating string `json:"user_rating"`
	}
	if code := s.do(http.MethodGet, "/api/v1/users/"+seller, "", nil, &u); code != http.StatusOK || u.UserRating != "0.01" {
		t.Errorf("seller profile = %d %+v, want rating 0.01", code, u)
	}
}

func TestAPI_Health(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		if code := s.do(http.MethodGet, path, "", nil, nil); code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, code)
		}
	}
}

func TestAPI_PublishFailureKeepsRequest(t *testing.T) {
	s := newTestServer(t)
	s.events.Err = errors.New("broker down")
	// Publishing failures never surface to the caller.
	if id := s.register("ann"); id == "" {
		t.Fatal("register returned empty id")
	}
}

func TestAPI_ReadItems(t *testing.T) {
	s := newTestServer(t)
	seller := s.register("seller")
	other := s.register("other")
	bob := s.register("bob")
	first := s.list(seller, time.Hour)
	s.clock.Advance(time.Minute)
	second := s.list(other, time.Hour)
	s.clock.Advance(time.Minute)
	third := s.list(seller, time.Hour)
	if code := s.do(http.MethodPost, "/api/v1/items/"+first+"/bids", bob, bid("11"), nil); code != http.StatusCreated {
		t.Fatalf("bid = %d", code)
	}

	type listed struct {
		ID              string  `json:"id"`
		Name            string  `json:"name"`
		Description     string  `json:"description"`
		InitialBid      string  `json:"initial_bid"`
		CurrentBid      *string `json:"current_bid"`
		HighestBidderID *string `json:"highest_bidder_id"`
	}
	var it listed
	if code := s.do(http.MethodGet, "/api/v1/items/"+first, "", nil, &it); code != http.StatusOK {
		t.Fatalf("get item = %d", code)
	}
	if it.Name != "Lamp" || it.Description != "brass desk lamp" || it.InitialBid != "10" {
		t.Errorf("item = %+v", it)
	}
	if it.CurrentBid == nil || *it.CurrentBid != "11" || it.HighestBidderID == nil || *it.HighestBidderID != bob {
		t.Errorf("item winning state = %v %v, want 11 by bob", it.CurrentBid, it.HighestBidderID)
	}
	s.expectError(http.MethodGet, "/api/v1/items/missing", "", nil, http.StatusNotFound, "item_not_found")

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{third, second, first}},
		{"?owner=" + seller, []string{third, first}},
		{"?limit=1", []string{third}},
		{"?owner=" + other + "&limit=5", []string{second}},
	}
	for _, tt := range tests {
		var items []listed
		if code := s.do(http.MethodGet, "/api/v1/items"+tt.query, "", nil, &items); code != http.StatusOK {
			t.Fatalf("list%s = %d", tt.query, code)
		}
		var ids []string
		for _, i := range items {
			ids = append(ids, i.ID)
		}
		if !slices.Equal(ids, tt.want) {
			t.Errorf("list%s = %v, want %v", tt.query, ids, tt.want)
		}
	}
	s.expectError(http.MethodGet, "/api/v1/items?limit=zero", "", nil, http.StatusBadRequest, "bad_request")
	s.expectError(http.MethodGet, "/api/v1/items?limit=0", "", nil, http.StatusBadRequest, "bad_request")

	var state struct {
		Name        string    `json:"name"`
		Description string    `json:"description"`
		StartTime   time.Time `json:"start_time"`
		EndTime     time.Time `json:"end_time"`
	}
	if code := s.do(http.MethodGet, "/api/v1/items/"+second+"/auction", "", nil, &state); code != http.StatusOK {
		t.Fatalf("auction state = %d", code)
	}
	if state.Name != "Lamp" || state.Description != "brass desk lamp" || !state.EndTime.Equal(now.Add(time.Hour)) || !state.StartTime.Equal(now.Add(time.Minute)) {
		t.Errorf("auction listing = %+v", state)
	}
}

func TestAPI_ItemsSold(t *testing.T) {
	s := newTestServer(t)
	seller := s.register("seller")
	bob := s.register("bob")
	sold := s.list(seller, time.Hour)
	s.list(seller, time.Hour)
	if code := s.do(http.MethodPost, "/api/v1/items/"+sold+"/bids", bob, bid("11"), nil); code != http.StatusCreated {
		t.Fatalf("bid = %d", code)
	}

	itemsSold := func() int {
		t.Helper()
		var p struct {
			Handle    string `json:"handle"`
			ItemsSold *int   `json:"items_sold"`
		}
		if code := s.do(http.MethodGet, "/api/v1/users/"+seller, "", nil, &p); code != http.StatusOK {
			t.Fatalf("get user = %d", code)
		}
		if p.Handle != "seller" || p.ItemsSold == nil {
			t.Fatalf("profile = %+v, want handle and items_sold", p)
		}
		return *p.ItemsSold
	}
	if got := itemsSold(); got != 0 {
		t.Errorf("items_sold while open = %d, want 0", got)
	}
	s.clock.Advance(time.Hour)
	if got := itemsSold(); got != 1 {
		t.Errorf("items_sold after close = %d, want 1", got)
	}
}

func TestAPI_Favorites(t *testing.T) {
	s := newTestServer(t)
	seller := s.register("seller")
	ann := s.register("ann")
	lamp := s.list(seller, time.Hour)

	var res struct {
		ItemID    string `json:"item_id"`
		Favorited bool   `json:"favorited"`
	}
	toggle := map[string]string{"item_id": lamp}
	if code := s.do(http.MethodPost, "/api/v1/favorites", ann, toggle, &res); code != http.StatusOK || !res.Favorited || res.ItemID != lamp {
		t.Fatalf("favorite = %d %+v", code, res)
	}

	var favs []struct {
		ItemID string `json:"item_id"`
	}
	if code := s.do(http.MethodGet, "/api/v1/favorites", ann, nil, &favs); code != http.StatusOK || len(favs) != 1 || favs[0].ItemID != lamp {
		t.Errorf("favorites = %d %+v", code, favs)
	}

	if code := s.do(http.MethodPost, "/api/v1/favorites", ann, toggle, &res); code != http.StatusOK || res.Favorited {
		t.Errorf("unfavorite = %d %+v", code, res)
	}
	favs = nil
	if code := s.do(http.MethodGet, "/api/v1/favorites", ann, nil, &favs); code != http.StatusOK || len(favs) != 0 {
		t.Errorf("favorites after unfavorite = %d %+v", code, favs)
	}

	s.expectError(http.MethodPost, "/api/v1/favorites", seller, toggle, http.StatusUnprocessableEntity, "own_item")
	s.expectError(http.MethodPost, "/api/v1/favorites", ann, map[string]string{"item_id": "missing"}, http.StatusNotFound, "item_not_found")
	s.expectError(http.MethodPost, "/api/v1/favorites", "ghost", toggle, http.StatusNotFound, "user_not_found")
	s.expectError(http.MethodPost, "/api/v1/favorites", "", toggle, http.StatusUnauthorized, "missing_user")
	s.expectError(http.MethodGet, "/api/v1/favorites", "", nil, http.StatusUnauthorized, "missing_user")
}
