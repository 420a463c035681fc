package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"omniverse/core/delayed"
	"omniverse/core/types"
	"omniverse/rpc/middleware"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	maxPendingList  = 256
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Backend is the protocol surface served over JSON-RPC.
type Backend interface {
	GetChainID() uint32
	GetCoolingDownTime() uint64
	Scheme() types.SignatureScheme
	GetTransactionCount(pk types.PublicKey) (uint64, error)
	GetTransactionData(pk types.PublicKey, nonce uint64) (*types.TransactionRecord, bool, error)
	IsMalicious(pk types.PublicKey) (bool, error)
	EvilRecords(pk types.PublicKey) ([]types.EvilRecord, error)
	SendTransaction(scope []byte, tx *types.TransactionData, now uint64) (types.VerifyResult, error)
	Scopes() ([][]byte, error)
	QueueIndexes(scope []byte) (delayed.Indexes, error)
	PendingEntries(scope []byte, limit int) ([]*types.DelayedEntry, error)
}

// BalanceReader exposes the balances kept by a local ledger.
type BalanceReader interface {
	Balance(scope []byte, pk types.PublicKey) (*uint256.Int, error)
}

// ItemReader exposes the item holders kept by a collection ledger.
type ItemReader interface {
	HolderOf(scope []byte, id *uint256.Int) (types.PublicKey, bool, error)
}

// OwnerReader exposes the minting account of each scope.
type OwnerReader interface {
	Owner(scope []byte) (types.PublicKey, bool, error)
}

// ServerConfig tunes the HTTP surface. RateLimit* bounds every JSON-RPC call
// and SubmitLimit* additionally bounds omni_sendTransaction. Zero disables a
// limit.
type ServerConfig struct {
	RateLimitPerMinute   float64
	RateBurst            int
	SubmitLimitPerMinute float64
	SubmitBurst          int
	LogRequests          bool
	// Registerer receives the HTTP collectors; Gatherer backs /metrics. Both
	// default to the prometheus globals.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	backend  Backend
	balances BalanceReader
	items    ItemReader
	owners   OwnerReader
	cfg      ServerConfig
	logger   *slog.Logger
	now      func() uint64

	limiter *middleware.RateLimiter
	obs     *middleware.Observability

	serverMu   sync.Mutex
	httpServer *http.Server
}

func NewServer(backend Backend, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	limits := map[string]middleware.RateLimit{}
	if cfg.RateLimitPerMinute > 0 {
		limits["rpc"] = middleware.RateLimit{RequestsPerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateBurst}
	}
	if cfg.SubmitLimitPerMinute > 0 {
		limits["submit"] = middleware.RateLimit{RequestsPerMinute: cfg.SubmitLimitPerMinute, Burst: cfg.SubmitBurst}
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     func() uint64 { return uint64(time.Now().Unix()) },
		limiter: middleware.NewRateLimiter(limits, logger),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "omnid",
			LogRequests: cfg.LogRequests,
		}, cfg.Registerer, logger),
	}
}

// SetBalanceReader enables omni_getBalance.
func (s *Server) SetBalanceReader(b BalanceReader) { s.balances = b }

// SetItemReader enables omni_getItemHolder.
func (s *Server) SetItemReader(i ItemReader) { s.items = i }

// SetOwnerReader enables omni_getScopeOwner.
func (s *Server) SetOwnerReader(o OwnerReader) { s.owners = o }

// Handler returns the routed HTTP handler: JSON-RPC on POST /, plus /healthz
// and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.With(s.obs.Middleware, s.limiter.Middleware("rpc")).Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// Serve blocks serving on listener until ctx is cancelled or the listener
// fails.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           otelhttp.NewHandler(s.Handler(), "omnid"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.logger.Info("json-rpc server listening", slog.String("addr", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown rpc server: %w", err)
		}
		return nil
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeBackendError(w http.ResponseWriter, r *http.Request, req *RPCRequest, err error) {
	s.logger.Error("rpc backend failure",
		slog.String("method", req.Method),
		slog.String("requestId", middleware.RequestIDFromContext(r.Context())),
		slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal error", err.Error())
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	middleware.SetRPCMethod(r.Context(), req.Method)
	switch req.Method {
	case "omni_getChainId":
		writeResult(w, req.ID, s.backend.GetChainID())
	case "omni_getCoolingDownTime":
		writeResult(w, req.ID, s.backend.GetCoolingDownTime())
	case "omni_getSignatureScheme":
		writeResult(w, req.ID, s.backend.Scheme())
	case "omni_getTransactionCount":
		s.handleGetTransactionCount(w, r, req)
	case "omni_getTransactionData":
		s.handleGetTransactionData(w, r, req)
	case "omni_isMalicious":
		s.handleIsMalicious(w, r, req)
	case "omni_sendTransaction":
		if !s.limiter.Allow("submit", r) {
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "submission rate limit exceeded", nil)
			return
		}
		s.handleSendTransaction(w, r, req)
	case "omni_listScopes":
		s.handleListScopes(w, r, req)
	case "omni_queueStatus":
		s.handleQueueStatus(w, r, req)
	case "omni_pendingEntries":
		s.handlePendingEntries(w, r, req)
	case "omni_getBalance":
		s.handleGetBalance(w, r, req)
	case "omni_getItemHolder":
		s.handleGetItemHolder(w, r, req)
	case "omni_getScopeOwner":
		s.handleGetScopeOwner(w, r, req)
	default:
		middleware.SetRPCMethod(r.Context(), "unknown")
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %s not found", req.Method), nil)
	}
}
