// Package rpc implements the JSON-RPC 2.0 API server.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/metachain/config"
	"github.com/Klingon-tech/metachain/internal/bridge"
	"github.com/Klingon-tech/metachain/internal/chain"
	klog "github.com/Klingon-tech/metachain/internal/log"
	"github.com/Klingon-tech/metachain/internal/metrics"
	"github.com/Klingon-tech/metachain/pkg/block"
	"github.com/Klingon-tech/metachain/pkg/types"
)

// maxBodySize is the maximum allowed request body size (4 MB).
const maxBodySize = 4 << 20

// Chain is the read side of the block store used by the API.
type Chain interface {
	BestBlock() chain.BlockInfo
	FinalizedBlock() chain.BlockInfo
	GenesisHash() types.Hash
	HashAt(number types.BlockNumber) (types.Hash, error)
	BlockByHash(hash types.Hash) (*block.SignedBlock, error)
	HeaderByHash(hash types.Hash) (*block.Header, error)
}

// Backlog is the pending extrinsic pool.
type Backlog interface {
	Add(ext []byte) (types.Hash, error)
	Count() int
}

// Minter authors a block on request.
type Minter interface {
	Mint(ctx context.Context, extraTxs []block.ExternalTx) ([]byte, []block.ExternalTx, error)
}

// Connector imports a block produced elsewhere, queuing txs on pool once
// the payload decodes.
type Connector interface {
	ConnectWithExternal(ctx context.Context, payload []byte, pool bridge.Backlog, txs []block.ExternalTx) (bridge.ConnectResult, error)
}

// PeerCounter reports connected gossip peers.
type PeerCounter interface {
	PeerCount() int
}

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr        string
	chain       Chain
	pool        Backlog
	minter      Minter      // nil disables metaConsensus_mintBlock
	connector   Connector   // nil disables metaConsensus_connectBlock
	peers       PeerCounter // nil reports zero peers
	metrics     bool
	server      *http.Server
	logger      zerolog.Logger
	ln          net.Listener
	allowedNets []*net.IPNet // Empty = allow all.
	corsOrigins []string     // Empty = no CORS headers.
}

// New creates a new RPC server. The rpcCfg parameter controls IP filtering
// and CORS. A zero-value RPCConfig allows all IPs and disables CORS.
func New(addr string, ch Chain, pool Backlog, rpcCfg ...config.RPCConfig) *Server {
	s := &Server{
		addr:   addr,
		chain:  ch,
		pool:   pool,
		logger: klog.RPC,
	}
	if len(rpcCfg) > 0 {
		s.allowedNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.corsOrigins = rpcCfg[0].CORSOrigins
	}
	return s
}

// SetBridges enables the mint and connect endpoints.
func (s *Server) SetBridges(m Minter, c Connector) {
	s.minter = m
	s.connector = c
}

// SetPeerCounter sets the source of the peer count in system_health.
func (s *Server) SetPeerCounter(p PeerCounter) {
	s.peers = p
}

// EnableMetrics serves Prometheus metrics at /metrics.
func (s *Server) EnableMetrics() {
	s.metrics = true
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/", s.handleRequest)
	r.Use(s.filterIPs)
	return r
}

// parseAllowedIPs converts string IP/CIDR entries into net.IPNet.
func parseAllowedIPs(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		// Try as a single IP (add /32 or /128).
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Start begins listening and serving in a background goroutine.
// It returns immediately after the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Mint waits for the authorship engine.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("RPC server started")
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// filterIPs rejects clients outside the allowed networks.
func (s *Server) filterIPs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedNets) > 0 {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ip := net.ParseIP(host)
			if ip == nil || !s.isIPAllowed(ip) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth serves a plain liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	best := s.chain.BestBlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"best":   best.Number,
	})
}

// handleRequest is the main HTTP handler for JSON-RPC requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	// CORS headers.
	s.setCORSHeaders(w, r)

	// Handle CORS preflight.
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	if rpcErr != nil {
		writeJSON(w, Response{
			JSONRPC: "2.0",
			Error:   rpcErr,
			ID:      req.ID,
		})
		return
	}

	writeJSON(w, Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	})
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "metaConsensus_getBlockHash":
		return s.handleGetBlockHash(req)
	case "metaConsensus_getBlock":
		return s.handleGetBlock(req)
	case "metaConsensus_mintBlock":
		return s.handleMintBlock(ctx, req)
	case "metaConsensus_connectBlock":
		return s.handleConnectBlock(ctx, req)
	case "chain_getHeader":
		return s.handleChainGetHeader(req)
	case "chain_getFinalizedHead":
		return s.chain.FinalizedBlock().Hash.Hex(), nil
	case "author_submitExtrinsic":
		return s.handleSubmitExtrinsic(req)
	case "system_health":
		return s.handleSystemHealth()
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

// writeJSON writes a JSON-RPC response.
func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON-RPC error response.
func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// isIPAllowed checks if the IP is in the allowed networks list.
func (s *Server) isIPAllowed(ip net.IP) bool {
	for _, n := range s.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// setCORSHeaders adds CORS headers based on the configured origins.
func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.corsOrigins {
		if o == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}

	if allowed {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}
}

// parseParams unmarshals the request params into the given target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}

	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// parseOptionalParams is parseParams for endpoints whose params may be omitted.
func parseOptionalParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return nil
	}
	return parseParams(req, target)
}
