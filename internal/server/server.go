// Package server exposes the ingestion surface: order submission and lookup
// over HTTP, queue statistics, and per-order status streaming over WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/broadcast"
	"github.com/openliquid/swapflow/internal/observability"
	"github.com/openliquid/swapflow/internal/orderstore"
	"github.com/openliquid/swapflow/internal/queue"
	"github.com/openliquid/swapflow/internal/schema"
)

// Admitter is the slice of the queue the server needs.
type Admitter interface {
	Admit(ctx context.Context, order *schema.Order) error
	Stats() queue.Stats
}

// Server handles the external API. It validates input here so the pipeline
// only ever sees well-formed orders.
type Server struct {
	store orderstore.Store
	queue Admitter
	hub   *broadcast.Hub
	http  *http.Server
}

// Config for the listener.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
}

// New wires the routes and returns an unstarted server.
func New(cfg Config, store orderstore.Store, admitter Admitter, hub *broadcast.Hub) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	s := &Server{store: store, queue: admitter, hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /ws/orders/{id}", s.handleSubscribe)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	observability.Log().Info("http listener starting",
		observability.F("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type createOrderRequest struct {
	Kind              schema.OrderKind `json:"kind"`
	SourceAsset       string           `json:"sourceAsset"`
	DestAsset         string           `json:"destAsset"`
	Quantity          decimal.Decimal  `json:"quantity"`
	SlippageTolerance decimal.Decimal  `json:"slippageTolerance"`
}

func (r createOrderRequest) validate() error {
	switch {
	case !r.Kind.Valid():
		return errs.New("server", errs.CodeInvalid, errs.WithMessage("unknown order kind"))
	case r.SourceAsset == "" || r.DestAsset == "":
		return errs.New("server", errs.CodeInvalid, errs.WithMessage("sourceAsset and destAsset are required"))
	case r.SourceAsset == r.DestAsset:
		return errs.New("server", errs.CodeInvalid, errs.WithMessage("sourceAsset and destAsset must differ"))
	case !r.Quantity.IsPositive():
		return errs.New("server", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	case r.SlippageTolerance.IsNegative() || r.SlippageTolerance.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return errs.New("server", errs.CodeInvalid, errs.WithMessage("slippageTolerance must be in [0, 1)"))
	}
	return nil
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New("server", errs.CodeInvalid,
			errs.WithMessage("malformed request body"), errs.WithCause(err)))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	order := schema.NewOrder(req.Kind, req.SourceAsset, req.DestAsset, req.Quantity, req.SlippageTolerance)
	if err := s.store.Create(r.Context(), order); err != nil {
		writeError(w, err)
		return
	}
	if err := s.queue.Admit(r.Context(), order); err != nil {
		writeError(w, err)
		return
	}
	observability.Log().Info("order accepted",
		observability.F("order_id", order.ID),
		observability.F("kind", string(order.Kind)),
		observability.F("pair", order.SourceAsset+"/"+order.DestAsset))
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubscribe upgrades the connection and attaches it to the order's
// subscriber set. The read loop exists only to detect client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	order, err := s.store.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observability.Log().Warn("websocket upgrade failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()))
		return
	}
	conn := &wsConn{ws: ws}
	s.hub.Subscribe(orderID, conn)

	// Current state first, so late subscribers see where the order stands.
	if err := s.sendSnapshot(r.Context(), conn, order); err != nil {
		s.hub.Unsubscribe(orderID, conn)
		return
	}

	// Detach from the HTTP request lifetime; the hub owns the connection
	// from here.
	go s.readUntilClose(orderID, conn)
}

func (s *Server) sendSnapshot(ctx context.Context, conn *wsConn, order *schema.Order) error {
	data := &schema.EventData{
		SelectedDex:    order.SelectedVenue,
		RaydiumPrice:   order.RaydiumPrice,
		MeteoraPrice:   order.MeteoraPrice,
		ExecutionPrice: order.ExecutionPrice,
		TxHash:         order.TxHash,
		Error:          order.FailureReason,
	}
	event := schema.NewStatusEvent(order.ID, order.Status, "current order status", data)
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return conn.Send(sendCtx, payload)
}

// readUntilClose drains client frames and unsubscribes when the peer goes
// away. Inbound payloads are ignored; the stream is one-way.
func (s *Server) readUntilClose(orderID string, conn *wsConn) {
	for {
		if _, _, err := conn.ws.Read(context.Background()); err != nil {
			s.hub.Unsubscribe(orderID, conn)
			return
		}
	}
}

// wsConn adapts a websocket connection to the broadcast transport contract.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "stream complete")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Log().Error("encode response", observability.F("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeConflict:
		status = http.StatusConflict
	case errs.CodeRateLimited:
		status = http.StatusTooManyRequests
	case errs.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
