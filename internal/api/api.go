// Package api is the HTTP boundary of the auction house. Every domain error
// is answered with a stable reason code the client can branch on.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/auctionhouse/internal/account"
	"github.com/jensholdgaard/auctionhouse/internal/auction"
	"github.com/jensholdgaard/auctionhouse/internal/health"
	"github.com/jensholdgaard/auctionhouse/internal/rating"
	"github.com/jensholdgaard/auctionhouse/internal/telemetry"
)

// UserHeader identifies the calling user. Authentication happens in front of
// this service.
const UserHeader = "X-User-ID"

// Handler serves the HTTP API.
type Handler struct {
	accounts *account.Manager
	auctions *auction.Manager
	ratings  *rating.Manager
	health   *health.Handler
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandler returns a new API Handler.
func NewHandler(
	accounts *account.Manager,
	auctions *auction.Manager,
	ratings *rating.Manager,
	hh *health.Handler,
	logger *slog.Logger,
	tp trace.TracerProvider,
) *Handler {
	return &Handler{
		accounts: accounts,
		auctions: auctions,
		ratings:  ratings,
		health:   hh,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/auctionhouse/internal/api"),
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	h.health.Register(router)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users", h.RegisterUser).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", h.GetUser).Methods(http.MethodGet)
	api.HandleFunc("/favorites", h.ToggleFavorite).Methods(http.MethodPost)
	api.HandleFunc("/favorites", h.ListFavorites).Methods(http.MethodGet)

	api.HandleFunc("/items", h.CreateItem).Methods(http.MethodPost)
	api.HandleFunc("/items", h.ListItems).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}", h.EditItem).Methods(http.MethodPut)
	api.HandleFunc("/items/{id}", h.DeleteItem).Methods(http.MethodDelete)
	api.HandleFunc("/items/{id}/bids", h.PlaceBid).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/bids", h.ListBids).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/auction", h.GetAuctionState).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/settlement", h.GetSettlement).Methods(http.MethodGet)
	api.HandleFunc("/items/{id}/payment", h.ConfirmPayment).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/shipping", h.SetShippingInfo).Methods(http.MethodPut)

	api.HandleFunc("/sellers/{id}/reviews", h.SubmitReview).Methods(http.MethodPost)
	api.HandleFunc("/sellers/{id}/reviews", h.SellerSummary).Methods(http.MethodGet)
	api.HandleFunc("/reviews/{id}", h.UpdateReview).Methods(http.MethodPut)
	api.HandleFunc("/reviews/{id}", h.DeleteReview).Methods(http.MethodDelete)

	api.Use(h.traceMiddleware)
	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// traceMiddleware opens a server span named after the matched route and
// logs one line per request with the trace ids attached.
func (h *Handler) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		telemetry.LogWithTrace(ctx, h.logger).DebugContext(ctx, "http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
