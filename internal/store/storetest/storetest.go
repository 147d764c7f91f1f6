// Package storetest holds the behavioral suite every store driver must pass.
package storetest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jensholdgaard/auctionhouse/internal/clock"
	"github.com/jensholdgaard/auctionhouse/internal/store"
)

// Factory returns fresh, empty repositories driven by clk.
type Factory func(t *testing.T, clk clock.Clock) *store.Repositories

// Epoch is the time the suite's mock clock starts at.
var Epoch = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against newRepos.
func Run(t *testing.T, newRepos Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newRepos) })
	t.Run("ItemLifecycle", func(t *testing.T) { testItemLifecycle(t, newRepos) })
	t.Run("PlaceBid", func(t *testing.T) { testPlaceBid(t, newRepos) })
	t.Run("PlaceBidRace", func(t *testing.T) { testPlaceBidRace(t, newRepos) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newRepos) })
	t.Run("List", func(t *testing.T) { testList(t, newRepos) })
	t.Run("Favorites", func(t *testing.T) { testFavorites(t, newRepos) })
	t.Run("Settlement", func(t *testing.T) { testSettlement(t, newRepos) })
	t.Run("Reviews", func(t *testing.T) { testReviews(t, newRepos) })
}

func mean(ratings []decimal.Decimal) decimal.Decimal {
	if len(ratings) == 0 {
		return decimal.RequireFromString("0.01")
	}
	return decimal.Sum(ratings[0], ratings[1:]...).Div(decimal.NewFromInt(int64(len(ratings)))).Round(2)
}

func mustUser(t *testing.T, repos *store.Repositories, handle string) *store.User {
	t.Helper()
	u := &store.User{Handle: handle}
	if err := repos.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("Create user %q: %v", handle, err)
	}
	return u
}

func mustItem(t *testing.T, repos *store.Repositories, ownerID string, end time.Time) *store.Item {
	t.Helper()
	it := &store.Item{
		OwnerID:     ownerID,
		Name:        "Lamp",
		Description: "brass desk lamp",
		InitialBid:  decimal.RequireFromString("10.00"),
		StartTime:   Epoch.Add(-time.Hour),
		EndTime:     end,
	}
	if err := repos.Items.Create(context.Background(), it); err != nil {
		t.Fatalf("Create item: %v", err)
	}
	return it
}

// bid applies a bid to it the way the settlement engine does and persists it.
func bid(ctx context.Context, repos *store.Repositories, it *store.Item, bidderID, label, amount string) error {
	a := decimal.RequireFromString(amount)
	next := *it
	next.CurrentBid = decimal.NewNullDecimal(a)
	next.HighestBidderID = &bidderID
	next.BidHistory = it.BidHistory.Prepend(store.HistoryEntry{Bidder: label, Amount: a})
	if err := repos.Items.PlaceBid(ctx, &next, &store.Bid{BidderID: bidderID, Amount: a}); err != nil {
		return err
	}
	*it = next
	return nil
}

func testUsers(t *testing.T, newRepos Factory) {
	repos := newRepos(t, &clock.Mock{T: Epoch})
	ctx := context.Background()

	u := mustUser(t, repos, "ann")
	if u.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}

	got, err := repos.Users.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Handle != "ann" {
		t.Errorf("Handle = %q, want %q", got.Handle, "ann")
	}
	if got.UserRating.Valid {
		t.Errorf("UserRating = %v, want null for a new user", got.UserRating.Decimal)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}

	if err := repos.Users.Create(ctx, &store.User{Handle: "ann"}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("Create duplicate handle error = %v, want ErrDuplicate", err)
	}
	if _, err := repos.Users.GetByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func testItemLifecycle(t *testing.T, newRepos Factory) {
	clk := &clock.Mock{T: Epoch}
	repos := newRepos(t, clk)
	ctx := context.Background()

	owner := mustUser(t, repos, "seller")
	bidder := mustUser(t, repos, "bob")
	it := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))

	got, err := repos.Items.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.InitialBid.Equal(decimal.RequireFromString("10")) {
		t.Errorf("InitialBid = %s, want 10", got.InitialBid)
	}
	if got.CurrentBid.Valid || got.HighestBidderID != nil {
		t.Errorf("new item has winning state: current=%v bidder=%v", got.CurrentBid, got.HighestBidderID)
	}
	if len(got.BidHistory) != 0 {
		t.Errorf("BidHistory len = %d, want 0", len(got.BidHistory))
	}
	if !got.EndTime.Equal(Epoch.Add(time.Hour)) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, Epoch.Add(time.Hour))
	}

	// Owner edit with the current version succeeds and advances it.
	got.Name = "Floor lamp"
	if err := repos.Items.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version after Update = %d, want 2", got.Version)
	}

	// A stale writer loses.
	stale := *it
	stale.Name = "stale"
	if err := repos.Items.Update(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Update with stale version error = %v, want ErrConflict", err)
	}

	// Once a bidder holds the item the listing is frozen.
	if err := bid(ctx, repos, got, bidder.ID, "b***b", "12.00"); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	got.Name = "after bid"
	if err := repos.Items.Update(ctx, got); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Update after bid error = %v, want ErrConflict", err)
	}

	if _, err := repos.Items.GetByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

func testPlaceBid(t *testing.T, newRepos Factory) {
	clk := &clock.Mock{T: Epoch}
	repos := newRepos(t, clk)
	ctx := context.Background()

	owner := mustUser(t, repos, "seller")
	ann := mustUser(t, repos, "ann")
	bob := mustUser(t, repos, "bob")
	it := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))

	if err := bid(ctx, repos, it, ann.ID, "a***n", "10.00"); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	clk.Advance(time.Second)
	if err := bid(ctx, repos, it, bob.ID, "b***b", "15.50"); err != nil {
		t.Fatalf("second bid: %v", err)
	}

	got, err := repos.Items.GetByID(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.CurrentBid.Valid || !got.CurrentBid.Decimal.Equal(decimal.RequireFromString("15.50")) {
		t.Errorf("CurrentBid = %v, want 15.50", got.CurrentBid)
	}
	if got.HighestBidderID == nil || *got.HighestBidderID != bob.ID {
		t.Errorf("HighestBidderID = %v, want %s", got.HighestBidderID, bob.ID)
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
	if len(got.BidHistory) != 2 || got.BidHistory[0].Bidder != "b***b" || got.BidHistory[1].Bidder != "a***n" {
		t.Errorf("BidHistory = %+v, want newest first [b***b a***n]", got.BidHistory)
	}

	bids, err := repos.Items.ListBids(ctx, it.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 2 {
		t.Fatalf("ListBids returned %d, want 2", len(bids))
	}
	if bids[0].BidderID != bob.ID || bids[1].BidderID != ann.ID {
		t.Errorf("ListBids order = [%s %s], want newest first", bids[0].BidderID, bids[1].BidderID)
	}

	// A bid computed from a stale read must not leave a bid row behind.
	stale := *got
	stale.Version = 1
	if err := bid(ctx, repos, &stale, ann.ID, "a***n", "20.00"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale PlaceBid error = %v, want ErrConflict", err)
	}
	bids, err = repos.Items.ListBids(ctx, it.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 2 {
		t.Errorf("ListBids after conflict returned %d, want 2", len(bids))
	}
}

func testPlaceBidRace(t *testing.T, newRepos Factory) {
	repos := newRepos(t, &clock.Mock{T: Epoch})
	ctx := context.Background()

	owner := mustUser(t, repos, "seller")
	it := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))

	const racers = 8
	bidders := make([]*store.User, racers)
	for i := range bidders {
		bidders[i] = mustUser(t, repos, "racer-"+string(rune('a'+i)))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := *it
			err := bid(ctx, repos, &snapshot, bidders[i].ID, "r***r", decimal.NewFromInt(int64(20+i)).StringFixed(2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, store.ErrConflict):
				conflicts++
			default:
				t.Errorf("racer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("winners = %d, want exactly 1", won)
	}
	if won+conflicts != racers {
		t.Errorf("winners+conflicts = %d, want %d", won+conflicts, racers)
	}
	bids, err := repos.Items.ListBids(ctx, it.ID)
	if err != nil {
		t.Fatalf("ListBids: %v", err)
	}
	if len(bids) != 1 {
		t.Errorf("ListBids returned %d, want 1", len(bids))
	}
}

func testDelete(t *testing.T, newRepos Factory) {
	repos := newRepos(t, &clock.Mock{T: Epoch})
	ctx := context.Background()

	owner := mustUser(t, repos, "seller")
	bidder := mustUser(t, repos, "bob")

	untouched := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))
	if err := repos.Items.Delete(ctx, untouched.ID, untouched.Version); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repos.Items.GetByID(ctx, untouched.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID after Delete error = %v, want ErrNotFound", err)
	}

	withBids := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))
	if err := bid(ctx, repos, withBids, bidder.ID, "b***b", "11.00"); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}
	if err := repos.Items.Delete(ctx, withBids.ID, withBids.Version); !errors.Is(err, store.ErrHasBids) {
		t.Errorf("Delete with bids error = %v, want ErrHasBids", err)
	}

	stale := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))
	if err := repos.Items.Delete(ctx, stale.ID, stale.Version+7); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Delete with stale version error = %v, want ErrConflict", err)
	}
}

func ids(items []store.Item) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].ID
	}
	return out
}

func testList(t *testing.T, newRepos Factory) {
	clk := &clock.Mock{T: Epoch}
	repos := newRepos(t, clk)
	ctx := context.Background()

	seller := mustUser(t, repos, "seller")
	other := mustUser(t, repos, "other")
	bidder := mustUser(t, repos, "bob")

	first := mustItem(t, repos, seller.ID, Epoch.Add(time.Hour))
	clk.Advance(time.Minute)
	second := mustItem(t, repos, other.ID, Epoch.Add(time.Hour))
	clk.Advance(time.Minute)
	third := mustItem(t, repos, seller.ID, Epoch.Add(time.Hour))
	if err := bid(ctx, repos, first, bidder.ID, "b***b", "11.00"); err != nil {
		t.Fatalf("PlaceBid: %v", err)
	}

	tests := []struct {
		name   string
		filter store.ItemFilter
		want   []string
	}{
		{"all newest first", store.ItemFilter{}, []string{third.ID, second.ID, first.ID}},
		{"by owner", store.ItemFilter{OwnerID: seller.ID}, []string{third.ID, first.ID}},
		{"with winner", store.ItemFilter{OwnerID: seller.ID, WithWinner: true}, []string{first.ID}},
		{"limited", store.ItemFilter{Limit: 2}, []string{third.ID, second.ID}},
		{"unknown owner", store.ItemFilter{OwnerID: "missing"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repos.Items.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if g := ids(got); !slices.Equal(g, tt.want) {
				t.Errorf("List(%+v) = %v, want %v", tt.filter, g, tt.want)
			}
		})
	}

	got, err := repos.Items.List(ctx, store.ItemFilter{WithWinner: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Lamp" || got[0].Description != "brass desk lamp" ||
		!got[0].CurrentBid.Decimal.Equal(decimal.RequireFromString("11")) {
		t.Errorf("listed item = %+v, want the full row", got)
	}
}

func testFavorites(t *testing.T, newRepos Factory) {
	clk := &clock.Mock{T: Epoch}
	repos := newRepos(t, clk)
	ctx := context.Background()

	seller := mustUser(t, repos, "seller")
	ann := mustUser(t, repos, "ann")
	lamp := mustItem(t, repos, seller.ID, Epoch.Add(time.Hour))
	chair := mustItem(t, repos, seller.ID, Epoch.Add(time.Hour))

	toggle := func(itemID string, want bool) {
		t.Helper()
		got, err := repos.Favorites.Toggle(ctx, ann.ID, itemID)
		if err != nil {
			t.Fatalf("Toggle(%s): %v", itemID, err)
		}
		if got != want {
			t.Errorf("Toggle(%s) = %v, want %v", itemID, got, want)
		}
	}
	favorites := func() []string {
		t.Helper()
		favs, err := repos.Favorites.ListByUser(ctx, ann.ID)
		if err != nil {
			t.Fatalf("ListByUser: %v", err)
		}
		out := make([]string, len(favs))
		for i, f := range favs {
			out[i] = f.ItemID
		}
		return out
	}

	toggle(lamp.ID, true)
	clk.Advance(time.Minute)
	toggle(chair.ID, true)
	if got := favorites(); !slices.Equal(got, []string{chair.ID, lamp.ID}) {
		t.Errorf("favorites = %v, want newest first", got)
	}

	toggle(lamp.ID, false)
	if got := favorites(); !slices.Equal(got, []string{chair.ID}) {
		t.Errorf("favorites after untoggle = %v, want only the chair", got)
	}
	toggle(lamp.ID, true)

	// Deleting an item drops it from every favorites list.
	if err := repos.Items.Delete(ctx, chair.ID, chair.Version); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := favorites(); !slices.Equal(got, []string{lamp.ID}) {
		t.Errorf("favorites after delete = %v, want only the lamp", got)
	}

	if favs, err := repos.Favorites.ListByUser(ctx, seller.ID); err != nil || len(favs) != 0 {
		t.Errorf("ListByUser(seller) = %v, %v, want empty", favs, err)
	}
}

func testSettlement(t *testing.T, newRepos Factory) {
	clk := &clock.Mock{T: Epoch}
	repos := newRepos(t, clk)
	ctx := context.Background()

	owner := mustUser(t, repos, "seller")
	bidder := mustUser(t, repos, "bob")

	early := mustItem(t, repos, owner.ID, Epoch.Add(time.Minute))
	late := mustItem(t, repos, owner.ID, Epoch.Add(time.Hour))
	_ = mustItem(t, repos, owner.ID, Epoch.Add(time.Hour)) // no bids, never awaits settlement

	for _, it := range []*store.Item{late, early} {
		if err := bid(ctx, repos, it, bidder.ID, "b***b", "12.00"); err != nil {
			t.Fatalf("PlaceBid: %v", err)
		}
	}

	won, err := repos.Items.ListWonBy(ctx, owner.ID, bidder.ID)
	if err != nil {
		t.Fatalf("ListWonBy: %v", err)
	}
	if len(won) != 2 {
		t.Fatalf("ListWonBy returned %d, want 2", len(won))
	}

	waiting, err := repos.Items.ListAwaitingSettlement(ctx, 10)
	if err != nil {
		t.Fatalf("ListAwaitingSettlement: %v", err)
	}
	if len(waiting) != 2 || waiting[0].ID != early.ID {
		t.Fatalf("ListAwaitingSettlement = %d items, want 2 with earliest end first", len(waiting))
	}

	requested := clk.Now()
	early.SettlementRequestedAt = &requested
	if err := repos.Items.UpdateSettlement(ctx, early); err != nil {
		t.Fatalf("UpdateSettlement: %v", err)
	}
	confirmation := "pay-123"
	late.PaymentConfirmation = &confirmation
	if err := repos.Items.UpdateSettlement(ctx, late); err != nil {
		t.Fatalf("UpdateSettlement: %v", err)
	}

	waiting, err = repos.Items.ListAwaitingSettlement(ctx, 10)
	if err != nil {
		t.Fatalf("ListAwaitingSettlement: %v", err)
	}
	if len(waiting) != 0 {
		t.Errorf("ListAwaitingSettlement after updates returned %d, want 0", len(waiting))
	}

	got, err := repos.Items.GetByID(ctx, late.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.PaymentConfirmation == nil || *got.PaymentConfirmation != confirmation {
		t.Errorf("PaymentConfirmation = %v, want %q", got.PaymentConfirmation, confirmation)
	}
	if !got.CurrentBid.Decimal.Equal(decimal.RequireFromString("12")) {
		t.Errorf("UpdateSettlement touched CurrentBid: %v", got.CurrentBid)
	}

	stale := *got
	stale.Version--
	if err := repos.Items.UpdateSettlement(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale UpdateSettlement error = %v, want ErrConflict", err)
	}
}

func testReviews(t *testing.T, newRepos Factory) {
	clk := &clock.Mock{T: Epoch}
	repos := newRepos(t, clk)
	ctx := context.Background()

	seller := mustUser(t, repos, "seller")
	ann := mustUser(t, repos, "ann")
	bob := mustUser(t, repos, "bob")

	first := &store.Review{
		AuthorID: ann.ID, SellerID: seller.ID,
		Service: 3, Product: 3, Packaging: 3, Shipping: 3, Overall: 3,
		Rating: decimal.RequireFromString("3.0"),
	}
	rating, err := repos.Reviews.Create(ctx, first, mean)
	if err != nil {
		t.Fatalf("Create review: %v", err)
	}
	if !rating.Equal(decimal.RequireFromString("3")) {
		t.Errorf("seller rating = %s, want 3", rating)
	}

	clk.Advance(time.Minute)
	second := &store.Review{
		AuthorID: bob.ID, SellerID: seller.ID,
		Service: 5, Product: 5, Packaging: 5, Shipping: 5, Overall: 5,
		Rating: decimal.RequireFromString("5.0"),
	}
	if rating, err = repos.Reviews.Create(ctx, second, mean); err != nil {
		t.Fatalf("Create second review: %v", err)
	}
	if !rating.Equal(decimal.RequireFromString("4")) {
		t.Errorf("seller rating = %s, want 4", rating)
	}

	dup := *first
	dup.ID = ""
	if _, err := repos.Reviews.Create(ctx, &dup, mean); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate review error = %v, want ErrDuplicate", err)
	}

	got, err := repos.Users.GetByID(ctx, seller.ID)
	if err != nil {
		t.Fatalf("GetByID seller: %v", err)
	}
	if !got.UserRating.Valid || !got.UserRating.Decimal.Equal(decimal.RequireFromString("4")) {
		t.Errorf("stored seller rating = %v, want 4 (duplicate must roll back)", got.UserRating)
	}

	first.Service, first.Rating = 1, decimal.RequireFromString("2.6")
	if rating, err = repos.Reviews.Update(ctx, first, mean); err != nil {
		t.Fatalf("Update review: %v", err)
	}
	if !rating.Equal(decimal.RequireFromString("3.8")) {
		t.Errorf("seller rating after update = %s, want 3.8", rating)
	}

	found, err := repos.Reviews.GetByAuthorAndSeller(ctx, ann.ID, seller.ID)
	if err != nil {
		t.Fatalf("GetByAuthorAndSeller: %v", err)
	}
	if found.Service != 1 {
		t.Errorf("Service = %d, want 1", found.Service)
	}

	list, err := repos.Reviews.ListBySeller(ctx, seller.ID)
	if err != nil {
		t.Fatalf("ListBySeller: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("ListBySeller returned %d, want 2", len(list))
	}

	if rating, err = repos.Reviews.Delete(ctx, second.ID, mean); err != nil {
		t.Fatalf("Delete review: %v", err)
	}
	if !rating.Equal(decimal.RequireFromString("2.6")) {
		t.Errorf("seller rating after delete = %s, want 2.6", rating)
	}
	if rating, err = repos.Reviews.Delete(ctx, first.ID, mean); err != nil {
		t.Fatalf("Delete last review: %v", err)
	}
	if !rating.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("seller rating with no reviews = %s, want 0.01", rating)
	}

	if _, err := repos.Reviews.Delete(ctx, first.ID, mean); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Delete missing review error = %v, want ErrNotFound", err)
	}
	if _, err := repos.Reviews.GetByAuthorAndSeller(ctx, ann.ID, seller.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByAuthorAndSeller after delete error = %v, want ErrNotFound", err)
	}
}
