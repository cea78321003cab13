// Package httpapi exposes the facilitator over HTTP: verify, settle,
// supported kinds, fee quotes, and a readiness document. It is a thin
// boundary; all payment logic lives in the settle package.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	facilitator "github.com/x402labs/facilitator-go"
	"github.com/x402labs/facilitator-go/encoding"
	"github.com/x402labs/facilitator-go/gas"
	"github.com/x402labs/facilitator-go/pool"
	"github.com/x402labs/facilitator-go/settle"
	"github.com/x402labs/facilitator-go/shutdown"
)

// feeQuoteValidity is the advertised lifetime of a fee quote.
const feeQuoteValidity = 60 * time.Second

// Server wires the facilitator services behind an HTTP router.
type Server struct {
	service     *settle.Service
	pools       *pool.Manager
	engine      *gas.Engine
	coordinator *shutdown.Coordinator
	logger      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithService sets the settlement service.
func WithService(s *settle.Service) ServerOption {
	return func(srv *Server) { srv.service = s }
}

// WithPools sets the pool manager, used by the readiness document.
func WithPools(m *pool.Manager) ServerOption {
	return func(srv *Server) { srv.pools = m }
}

// WithEngine sets the fee engine backing GET /fee.
func WithEngine(e *gas.Engine) ServerOption {
	return func(srv *Server) { srv.engine = e }
}

// WithCoordinator sets the shutdown coordinator gating admission.
func WithCoordinator(c *shutdown.Coordinator) ServerOption {
	return func(srv *Server) { srv.coordinator = c }
}

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(srv *Server) { srv.logger = logger }
}

// NewServer creates a Server from the given options.
func NewServer(opts ...ServerOption) (*Server, error) {
	srv := &Server{logger: slog.Default()}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.service == nil {
		return nil, errors.New("httpapi: settlement service is required")
	}
	if srv.pools == nil {
		return nil, errors.New("httpapi: pool manager is required")
	}
	if srv.coordinator == nil {
		srv.coordinator = shutdown.NewCoordinator()
	}
	return srv, nil
}

// Handler builds the router. Health stays outside the admission gate so
// load balancers can watch the drain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.admission)
		r.Post("/verify", s.handleVerify)
		r.Post("/settle", s.handleSettle)
		r.Get("/supported", s.handleSupported)
		r.Get("/fee", s.handleFee)
	})
	return r
}

// admission applies the shutdown gate: reject new work while draining,
// count everything else in and out on every completion path.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.coordinator.Enter(); err != nil {
			s.writeError(w, err)
			return
		}
		defer s.coordinator.Exit()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

// facilitatorRequest is the wire shape of verify and settle requests.
type facilitatorRequest struct {
	X402Version         int                            `json:"x402Version"`
	PaymentPayload      facilitator.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements facilitator.PaymentRequirement `json:"paymentRequirements"`
}

// decodeRequest parses a verify or settle request body. An X-PAYMENT
// header, when present, supplies the payment payload in its base64+JSON
// wire form and takes precedence over the body's paymentPayload.
func decodeRequest(r *http.Request) (facilitatorRequest, error) {
	var req facilitatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, facilitator.NewError(facilitator.ErrCodeValidation,
			"malformed request body", facilitator.ErrValidation)
	}
	if header := r.Header.Get("X-PAYMENT"); header != "" {
		payment, err := encoding.DecodePayment(header)
		if err != nil {
			return req, facilitator.NewError(facilitator.ErrCodeValidation,
				"malformed X-PAYMENT header", facilitator.ErrValidation)
		}
		req.PaymentPayload = payment
	}
	return req, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.service.Verify(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.service.Settle(r.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Resource servers relay the settlement result to clients through the
	// X-PAYMENT-RESPONSE header, so emit the header form alongside the body.
	if header, err := encoding.EncodeSettlement(*resp); err == nil {
		w.Header().Set("X-PAYMENT-RESPONSE", header)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	kinds, err := s.service.Supported(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"kinds": kinds})
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "fee engine not configured"})
		return
	}

	network := r.URL.Query().Get("network")
	hook := r.URL.Query().Get("hook")
	if network == "" || hook == "" {
		s.writeError(w, facilitator.NewError(facilitator.ErrCodeValidation,
			"network and hook query parameters are required", facilitator.ErrValidation))
		return
	}

	var hookData []byte
	if raw := r.URL.Query().Get("hookData"); raw != "" {
		decoded, err := hexutil.Decode(raw)
		if err != nil {
			s.writeError(w, facilitator.NewError(facilitator.ErrCodeValidation,
				"hookData must be 0x-prefixed hex", facilitator.ErrValidation))
			return
		}
		hookData = decoded
	}

	// Most settlement assets are 6-decimal stablecoins; an explicit asset
	// parameter switches to that token's on-chain decimals.
	decimals := 6
	if asset := r.URL.Query().Get("asset"); asset != "" {
		d, err := s.engine.TokenDecimals(r.Context(), network, asset)
		if err != nil {
			s.writeError(w, err)
			return
		}
		decimals = d
	}

	result, err := s.engine.QuoteFee(r.Context(), network, hook, hookData, decimals)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, feeQuoteFromResult(network, hook, result))
}

// feeQuoteFromResult renders a FeeResult as the wire quote with its
// validity window.
func feeQuoteFromResult(network, hook string, r *gas.FeeResult) facilitator.FeeQuote {
	q := facilitator.FeeQuote{
		Network:         network,
		Hook:            hook,
		HookAllowed:     r.HookAllowed,
		CalculatedAt:    time.Now().UTC(),
		ValiditySeconds: int(feeQuoteValidity / time.Second),
	}
	if !r.HookAllowed {
		return q
	}

	q.GasLimit = r.GasLimit
	q.MaxGasLimit = r.MaxGasLimit
	q.GasPrice = r.GasPrice.String()
	q.GasCostNative = r.GasCostNative.String()
	q.GasCostUSD = r.GasCostUSD.FloatString(6)
	q.SafetyMultiplier = r.SafetyMultiplier
	q.FinalCostUSD = r.FinalCostUSD.FloatString(6)
	q.MinFacilitatorFee = r.MinFacilitatorFee.String()
	q.MinFacilitatorFeeUSD = r.MinFacilitatorFeeUSD.FloatString(6)
	return q
}

// healthDocument aggregates readiness state for operators.
type healthDocument struct {
	Status         string                        `json:"status"`
	EVMAccounts    int                           `json:"evmAccounts"`
	SVMAccounts    int                           `json:"svmAccounts"`
	Accounts       map[string][]pool.AccountInfo `json:"accounts"`
	CacheStats     map[string]gas.CacheStats     `json:"cacheStats,omitempty"`
	RouterNetworks []string                      `json:"routerNetworks"`
	ShuttingDown   bool                          `json:"shuttingDown"`
	ActiveRequests int64                         `json:"activeRequests"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.coordinator.Snapshot()
	doc := healthDocument{
		EVMAccounts:    s.pools.EVMAccountCount(),
		SVMAccounts:    s.pools.SVMAccountCount(),
		Accounts:       s.pools.AccountsInfo(),
		RouterNetworks: s.service.RouterNetworks(),
		ShuttingDown:   state.IsShuttingDown,
		ActiveRequests: state.ActiveRequests,
	}
	if s.engine != nil {
		doc.CacheStats = s.engine.CacheStats()
	}

	ready := (doc.EVMAccounts > 0 || doc.SVMAccounts > 0) && !state.IsShuttingDown
	doc.Status = "ready"
	status := http.StatusOK
	if !ready {
		doc.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, doc)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// errorBody is the wire shape of failed requests.
type errorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses. Client faults
// are 4xx, capacity is 503, chain failures are 502.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := facilitator.CodeOf(err, facilitator.ErrCodeChainSubmission)

	var status int
	switch code {
	case facilitator.ErrCodeValidation, facilitator.ErrCodeCommitmentMismatch,
		facilitator.ErrCodeReplay, facilitator.ErrCodeGasEstimation:
		status = http.StatusBadRequest
	case facilitator.ErrCodeWhitelist:
		status = http.StatusForbidden
	case facilitator.ErrCodeFeeInsufficient:
		status = http.StatusPaymentRequired
	case facilitator.ErrCodePoolExhausted, facilitator.ErrCodeShuttingDown:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusBadGateway
	}

	body := errorBody{Error: err.Error(), Code: string(code)}
	var fe *facilitator.FacilitatorError
	if errors.As(err, &fe) && len(fe.Details) > 0 {
		body.Details = fe.Details
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	s.writeJSON(w, status, body)
}
