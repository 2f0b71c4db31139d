package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sharding-experiment/crossshard/config"
)

func TestHandler_Health(t *testing.T) {
	service := NewService(testConfig(2, config.FabricChannel))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", resp["status"])
	}
}

func TestHandler_Config(t *testing.T) {
	service := NewService(testConfig(3, config.FabricChannel))

	req := httptest.NewRequest("GET", "/config", nil)
	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)

	var cfg config.Config
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if cfg.ShardNum != 3 {
		t.Errorf("Expected 3 shards, got %d", cfg.ShardNum)
	}
}

func TestHandler_RunAndGetRound(t *testing.T) {
	service := NewService(testConfig(2, config.FabricChannel))

	wl := DefaultWorkload()
	wl.NumTxns = 100
	body, _ := json.Marshal(wl)
	req := httptest.NewRequest("POST", "/rounds", bytes.NewReader(body))
	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var sum RoundSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if sum.Txns+sum.Discarded != 100 {
		t.Errorf("Expected 100 txns accounted for, got %d + %d discarded", sum.Txns, sum.Discarded)
	}

	req = httptest.NewRequest("GET", "/rounds/"+sum.ID, nil)
	w = httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected stored round, got %d", w.Code)
	}
	var stored RoundSummary
	json.Unmarshal(w.Body.Bytes(), &stored)
	if stored != sum {
		t.Errorf("Stored summary %+v differs from %+v", stored, sum)
	}

	req = httptest.NewRequest("GET", "/rounds", nil)
	w = httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)
	var ids []string
	json.Unmarshal(w.Body.Bytes(), &ids)
	if len(ids) != 1 || ids[0] != sum.ID {
		t.Errorf("Expected [%s], got %v", sum.ID, ids)
	}
}

func TestHandler_RunRound_BadRequests(t *testing.T) {
	service := NewService(testConfig(2, config.FabricChannel))

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"invalid ratio", `{"num_txns": 10, "num_accounts": 8, "abort_ratio": 2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/rounds", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			service.Router().ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestHandler_GetUnknownRound(t *testing.T) {
	service := NewService(testConfig(2, config.FabricChannel))
	req := httptest.NewRequest("GET", "/rounds/does-not-exist", nil)
	w := httptest.NewRecorder()
	service.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
