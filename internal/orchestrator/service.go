package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sharding-experiment/crossshard/config"
)

// RoundTimeout bounds a round started over the API
const RoundTimeout = 60 * time.Second

// Service runs benchmark rounds on request and keeps their summaries
type Service struct {
	router *mux.Router
	cfg    *config.Config

	runMu sync.Mutex // one round at a time

	mu     sync.RWMutex
	rounds map[string]RoundSummary
}

// NewService creates a service running rounds with cfg
func NewService(cfg *config.Config) *Service {
	s := &Service{
		router: mux.NewRouter(),
		cfg:    cfg,
		rounds: make(map[string]RoundSummary),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Service) Router() *mux.Router {
	return s.router
}

func (s *Service) setupRoutes() {
	s.router.HandleFunc("/rounds", s.handleRunRound).Methods("POST")
	s.router.HandleFunc("/rounds", s.handleListRounds).Methods("GET")
	s.router.HandleFunc("/rounds/{id}", s.handleGetRound).Methods("GET")
	s.router.HandleFunc("/config", s.handleConfig).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Service) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Orchestrator starting on %s (%d shards, %s fabric)", addr, s.cfg.ShardNum, s.cfg.Fabric)
	return http.ListenAndServe(addr, s.router)
}

// RunWorkload generates, plans and executes one block
func (s *Service) RunWorkload(ctx context.Context, wl WorkloadConfig) (*RoundResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	workload, err := NewWorkload(wl, s.cfg.ShardNum)
	if err != nil {
		return nil, err
	}
	block, err := Partition(s.cfg.ShardNum, workload.Generate(), ShardBySender(s.cfg.ShardNum))
	if err != nil {
		return nil, err
	}
	base, err := OpenBase(s.cfg, workload.Genesis())
	if err != nil {
		return nil, err
	}
	defer base.Close()

	result, err := RunRound(ctx, s.cfg, block, base)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rounds[result.ID.String()] = result.Summary()
	s.mu.Unlock()
	return result, nil
}

func (s *Service) handleRunRound(w http.ResponseWriter, r *http.Request) {
	wl := DefaultWorkload()
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&wl); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if _, err := NewWorkload(wl, s.cfg.ShardNum); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), RoundTimeout)
	defer cancel()
	result, err := s.RunWorkload(ctx, wl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Summary())
}

func (s *Service) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	sum, ok := s.rounds[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "round not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sum)
}

func (s *Service) handleListRounds(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rounds))
	for id := range s.rounds {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ids)
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.cfg)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
