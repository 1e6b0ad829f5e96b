// Package httpapi exposes the order pipeline over HTTP: a long-poll message
// feed, order submission, and persisted order listing.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/drblury/orderflow/internal/buffer"
	"github.com/drblury/orderflow/internal/domain"
	"github.com/drblury/orderflow/internal/jsoncodec"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/longpoll"
	"github.com/drblury/orderflow/internal/metrics"
)

// OrderPublisher submits a new order to the broker and returns its assigned
// identity. Satisfied by *broker.Publisher.
type OrderPublisher interface {
	Publish(ctx context.Context, order domain.NewOrder) (string, error)
}

// OrderFinder lists persisted orders. Satisfied by *storage.Store.
type OrderFinder interface {
	FindAll(ctx context.Context) ([]domain.Order, error)
}

// Server holds the API handlers and their collaborators.
type Server struct {
	publisher OrderPublisher
	finder    OrderFinder
	registry  *longpoll.Registry
	recent    *buffer.Ring
	logger    logging.ServiceLogger
	metrics   *metrics.Set
}

// NewServer wires the API over the pipeline components.
func NewServer(
	publisher OrderPublisher,
	finder OrderFinder,
	registry *longpoll.Registry,
	recent *buffer.Ring,
	logger logging.ServiceLogger,
	set *metrics.Set,
) *Server {
	return &Server{
		publisher: publisher,
		finder:    finder,
		registry:  registry,
		recent:    recent,
		logger:    logger,
		metrics:   set,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/messages", s.handleLongPoll).Methods(http.MethodGet)
	api.HandleFunc("/messages/recent", s.handleRecentMessages).Methods(http.MethodGet)
	api.HandleFunc("/send/messages", s.handleSendOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

type messageEnvelope struct {
	Success bool          `json:"success"`
	Message *domain.Order `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

type ordersEnvelope struct {
	Success bool           `json:"success"`
	Orders  []domain.Order `json:"orders"`
}

type recentEnvelope struct {
	Success  bool           `json:"success"`
	Messages []domain.Order `json:"messages"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// handleLongPoll parks the request in the registry until the next order
// event arrives, the 30-second timer fires, or the client goes away.
func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	waiter := s.registry.Register()

	select {
	case order := <-waiter.Done():
		if order == nil {
			s.metrics.LongPollTimeouts.Inc()
		} else {
			s.metrics.LongPollNotified.Inc()
		}
		s.writeJSON(w, http.StatusOK, messageEnvelope{Success: true, Message: order})
	case <-r.Context().Done():
		s.registry.Disconnect(waiter)
	}
}

func (s *Server) handleSendOrder(w http.ResponseWriter, r *http.Request) {
	var newOrder domain.NewOrder
	if err := jsoncodec.Decode(r.Body, &newOrder); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "invalid JSON body"})
		return
	}
	if err := newOrder.Validate(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}

	id, err := s.publisher.Publish(r.Context(), newOrder)
	if err != nil {
		s.logger.Error("order submission failed", err, logging.LogFields{
			"customer_id": newOrder.CustomerID,
		})
		s.writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, sendResponse{
		Success: true,
		OrderID: id,
		Message: "Order sent successfully",
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.finder.FindAll(r.Context())
	if err != nil {
		s.logger.Error("listing orders failed", err, nil)
		s.writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "Failed to fetch orders"})
		return
	}
	s.writeJSON(w, http.StatusOK, ordersEnvelope{Success: true, Orders: orders})
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, recentEnvelope{Success: true, Messages: s.recent.Snapshot()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, body); err != nil {
		s.logger.Error("writing response failed", err, nil)
	}
}
