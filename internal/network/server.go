package network

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/rs/cors"

	"stampchain/internal/blockchain"
	"stampchain/internal/storage"
)

//go:embed static/index.html
var indexPage []byte

var log = log15.New("module", "network")

type Server struct {
	blockchain *blockchain.Blockchain
	storage    storage.BlockStorage
	addr       string
	server     *http.Server

	// baseCtx is cancelled by Shutdown to stop in-flight mining
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer wires the HTTP routes. store may be nil, which disables lookups
// by hash and by owner.
func NewServer(bc *blockchain.Blockchain, store storage.BlockStorage, addr string, corsOrigins []string) *Server {
	s := &Server{
		blockchain: bc,
		storage:    store,
		addr:       addr,
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/mine", s.handleMine)
	mux.HandleFunc("/transactions/new", s.handleNewTransaction)
	mux.HandleFunc("/transactions/pending", s.handlePending)
	mux.HandleFunc("/chain", s.handleGetChain)
	mux.HandleFunc("/chain/valid", s.handleValidate)
	mux.HandleFunc("/blocks/", s.handleGetBlock)
	mux.HandleFunc("/entries", s.handleEntriesByOwner)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebsocket)

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})

	s.server = &http.Server{
		Addr:           addr,
		Handler:        withRequestID(c.Handler(mux)),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	log.Info("server starting", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}

type requestIDKey struct{}

// withRequestID tags every request with an id, echoed in X-Request-Id and
// attached to access log records.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		log.Debug("request served", "id", id, "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func requestLogger(r *http.Request) log15.Logger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return log.New("request", id)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		requestLogger(r).Error("failed to encode response", "err", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexPage)
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// the search stops when the client goes away or the server shuts down
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if s.baseCtx.Err() != nil {
		cancel()
	}
	defer context.AfterFunc(s.baseCtx, cancel)()

	block, err := s.blockchain.Mine(ctx)
	if err != nil {
		if errors.Cause(err) == blockchain.ErrMiningCancelled {
			if r.Context().Err() != nil {
				requestLogger(r).Info("mining abandoned by client")
				return
			}
			requestLogger(r).Warn("mining interrupted by shutdown")
			http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
			return
		}
		requestLogger(r).Error("mining failed", "err", err)
		http.Error(w, "Mining failed", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"message":       "New Block Forged",
		"index":         block.Index,
		"transactions":  block.Entries,
		"proof":         block.Proof,
		"previous_hash": block.PrevHash,
	}
	writeJSON(w, r, http.StatusOK, response)
}

var requiredEntryFields = []string{"owner", "stamp", "year"}

func (s *Server) handleNewTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var values map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	for _, k := range requiredEntryFields {
		if _, ok := values[k]; !ok {
			http.Error(w, "Missing values", http.StatusBadRequest)
			return
		}
	}

	var (
		owner, stamp string
		year         int
	)
	if json.Unmarshal(values["owner"], &owner) != nil ||
		json.Unmarshal(values["stamp"], &stamp) != nil ||
		json.Unmarshal(values["year"], &year) != nil {
		http.Error(w, "Invalid values", http.StatusBadRequest)
		return
	}

	index := s.blockchain.NewEntry(owner, stamp, year)
	response := map[string]interface{}{
		"message": fmt.Sprintf("Transaction will be added to Block %d", index),
		"index":   index,
	}
	writeJSON(w, r, http.StatusCreated, response)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pending := s.blockchain.Pending()
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"transactions": pending,
		"length":       len(pending),
	})
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chain := s.blockchain.GetChain()
	response := map[string]interface{}{
		"chain":  chain,
		"length": len(chain),
	}
	writeJSON(w, r, http.StatusOK, response)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := map[string]interface{}{"valid": true}
	if err := s.blockchain.Validate(); err != nil {
		requestLogger(r).Error("chain validation failed", "err", err)
		response["valid"] = false
		response["error"] = err.Error()
	}
	writeJSON(w, r, http.StatusOK, response)
}

// handleGetBlock serves /blocks/{index} and /blocks/{hash}.
func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/blocks/")
	if key == "" {
		http.Error(w, "Block index or hash required", http.StatusBadRequest)
		return
	}

	if index, err := strconv.Atoi(key); err == nil {
		block, ok := s.blockchain.GetBlock(index)
		if !ok {
			http.Error(w, "Block not found", http.StatusNotFound)
			return
		}
		writeJSON(w, r, http.StatusOK, block)
		return
	}

	if s.storage == nil {
		http.Error(w, "Hash lookup unavailable", http.StatusNotImplemented)
		return
	}
	data, err := s.storage.GetBlockByHash(key)
	if err == storage.ErrNotFound {
		http.Error(w, "Block not found", http.StatusNotFound)
		return
	}
	if err != nil {
		requestLogger(r).Error("block lookup failed", "hash", key, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, data)
}

func (s *Server) handleEntriesByOwner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "Missing values", http.StatusBadRequest)
		return
	}
	if s.storage == nil {
		http.Error(w, "Owner lookup unavailable", http.StatusNotImplemented)
		return
	}
	entries, err := s.storage.GetEntriesByOwner(owner)
	if err != nil {
		requestLogger(r).Error("owner lookup failed", "owner", owner, "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"entries": entries,
		"length":  len(entries),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, r, http.StatusOK, s.blockchain.Stats().Snapshot())
}
