// mock-llm is a local stand-in for an OpenAI-compatible endpoint. It serves
// deterministic embeddings and a canned escalate verdict so the agent can be
// exercised end to end without credentials or spend.
package main

import (
	"crypto/sha256"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"`
	Dimensions int    `json:"dimensions"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reply := `{"verdict":"escalate","issue":"mock backend cannot assess the cluster","action":"","matched_case":0,"reason":"mock-llm always escalates"}`
		writeJSON(w, map[string]any{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": reply},
			}},
		})
	})

	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		dims := req.Dimensions
		if dims <= 0 {
			dims = 1536
		}

		inputs := collectInputs(req.Input)
		data := make([]map[string]any, len(inputs))
		for i, text := range inputs {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": deterministicVector(text, dims),
			}
		}
		writeJSON(w, map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	})

	logger := log.New(log.Writer(), "mock-llm ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// collectInputs accepts either a single string or an array of strings.
func collectInputs(input any) []string {
	switch v := input.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{""}
	}
}

// deterministicVector hashes the text into a unit vector so identical
// inputs always embed identically across restarts.
func deterministicVector(text string, dims int) []float64 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float64, dims)
	var norm float64
	for i := range v {
		v[i] = float64(int8(sum[i%len(sum)]))
		norm += v[i] * v[i]
	}
	scale := 1 / math.Sqrt(norm)
	for i := range v {
		v[i] *= scale
	}
	return v
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
