package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/embed"
	"github.com/sentinelstack/sentinel-agent/internal/models"
	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// WeaviateStore implements Store against a Weaviate instance, letting the
// cluster perform the nearest-neighbour search instead of this process.
// Records carry their embedding model as a property so a store written by
// one model is never queried with another.
type WeaviateStore struct {
	endpoint   string
	apiKey     string
	class      string
	httpClient *http.Client
	embedder   embed.Embedder
}

// NewWeaviateStore constructs a store for the given endpoint and class and
// validates the embedding model against existing records.
func NewWeaviateStore(ctx context.Context, endpoint, apiKey, class string, timeout time.Duration, embedder embed.Embedder) (*WeaviateStore, error) {
	if endpoint == "" {
		return nil, utils.E("memory.NewWeaviateStore", utils.KindConfiguration, "weaviate endpoint is required", nil)
	}
	if class == "" {
		class = "IssueRecord"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &WeaviateStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		class:      class,
		httpClient: &http.Client{Timeout: timeout},
		embedder:   embedder,
	}
	if err := s.validateModel(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// weaviateUUID renders the content-derived issue id in the 8-4-4-4-12 form
// Weaviate requires for object ids.
func weaviateUUID(issueText string) string {
	sum := sha256.Sum256([]byte(models.NormalizeIssueText(issueText)))
	hexed := fmt.Sprintf("%x", sum[:16])
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexed[0:8], hexed[8:12], hexed[12:16], hexed[16:20], hexed[20:32])
}

func (s *WeaviateStore) validateModel(ctx context.Context) error {
	gql := fmt.Sprintf(`{ Get { %s(limit: 1) { embeddingModel } } }`, s.class)
	var response struct {
		Data map[string]map[string][]struct {
			EmbeddingModel string `json:"embeddingModel"`
		} `json:"data"`
	}
	if err := s.graphql(ctx, gql, &response); err != nil {
		// A missing class means an empty store; the first write creates it.
		return nil
	}
	for _, rec := range response.Data["Get"][s.class] {
		if rec.EmbeddingModel != "" && rec.EmbeddingModel != s.embedder.Model() {
			return utils.E("memory.validateModel", utils.KindConfiguration,
				fmt.Sprintf("store was built with embedding model %q, configured model is %q", rec.EmbeddingModel, s.embedder.Model()), nil)
		}
	}
	return nil
}

// AddIssue upserts the record object under its content-derived id.
func (s *WeaviateStore) AddIssue(ctx context.Context, issueText, solutionAction string, outcome models.Outcome) (models.IssueRecord, error) {
	vector, err := s.embedder.Embed(ctx, models.NormalizeIssueText(issueText))
	if err != nil {
		return models.IssueRecord{}, utils.E("memory.AddIssue", utils.KindStore, "embed issue text", err)
	}

	id := weaviateUUID(issueText)
	now := time.Now().UTC()

	record := models.IssueRecord{
		ID:             id,
		IssueText:      issueText,
		Embedding:      vector,
		SolutionAction: solutionAction,
		Outcome:        outcome,
		CreatedAt:      now,
		LastUsedAt:     now,
		UseCount:       1,
	}
	if existing, err := s.getByID(ctx, id); err == nil {
		record.CreatedAt = existing.CreatedAt
		record.UseCount = existing.UseCount + 1
	}

	payload := map[string]any{
		"class":  s.class,
		"id":     id,
		"vector": vector,
		"properties": map[string]any{
			"issueText":      record.IssueText,
			"solutionAction": record.SolutionAction,
			"outcome":        string(record.Outcome),
			"createdAt":      record.CreatedAt.Format(time.RFC3339Nano),
			"lastUsedAt":     record.LastUsedAt.Format(time.RFC3339Nano),
			"useCount":       record.UseCount,
			"embeddingModel": s.embedder.Model(),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.IssueRecord{}, utils.E("memory.AddIssue", utils.KindStore, "marshal record", err)
	}
	if err := s.rest(ctx, http.MethodPut, "/v1/objects/"+s.class+"/"+id, body); err != nil {
		// PUT on a brand-new id is rejected by some versions; fall back to create.
		if err = s.rest(ctx, http.MethodPost, "/v1/objects", body); err != nil {
			return models.IssueRecord{}, utils.E("memory.AddIssue", utils.KindStore, "store record", err)
		}
	}
	return record, nil
}

// FindSimilar runs a nearVector query and converts Weaviate certainty back
// to cosine similarity before applying the threshold gate.
func (s *WeaviateStore) FindSimilar(ctx context.Context, issueText string, topK int, minSimilarity float32) ([]models.MemoryHit, error) {
	hits := []models.MemoryHit{}
	if topK <= 0 {
		return hits, nil
	}

	queryVector, err := s.embedder.Embed(ctx, models.NormalizeIssueText(issueText))
	if err != nil {
		return nil, utils.E("memory.FindSimilar", utils.KindStore, "embed query text", err)
	}

	vectorJSON, _ := json.Marshal(queryVector)
	gql := fmt.Sprintf(`{
      Get {
        %s(
          nearVector: {vector: %s}
          limit: %d
        ) {
          issueText
          solutionAction
          outcome
          createdAt
          lastUsedAt
          useCount
          _additional { id certainty }
        }
      }
    }`, s.class, vectorJSON, topK)

	var response struct {
		Data map[string]map[string][]weaviateRecord `json:"data"`
	}
	if err := s.graphql(ctx, gql, &response); err != nil {
		return nil, utils.E("memory.FindSimilar", utils.KindStore, "near-vector query", err)
	}

	for _, rec := range response.Data["Get"][s.class] {
		// certainty = (1 + cosine) / 2
		similarity := float32(2*rec.Additional.Certainty - 1)
		if similarity < minSimilarity {
			continue
		}
		hits = append(hits, models.MemoryHit{Record: rec.toRecord(), Similarity: similarity})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].Record.UseCount != hits[j].Record.UseCount {
			return hits[i].Record.UseCount > hits[j].Record.UseCount
		}
		return hits[i].Record.LastUsedAt.After(hits[j].Record.LastUsedAt)
	})
	return hits, nil
}

// All lists every record, newest use first.
func (s *WeaviateStore) All(ctx context.Context) ([]models.IssueRecord, error) {
	gql := fmt.Sprintf(`{
      Get {
        %s(sort: [{path: "lastUsedAt", order: desc}], limit: 10000) {
          issueText
          solutionAction
          outcome
          createdAt
          lastUsedAt
          useCount
          _additional { id }
        }
      }
    }`, s.class)

	var response struct {
		Data map[string]map[string][]weaviateRecord `json:"data"`
	}
	if err := s.graphql(ctx, gql, &response); err != nil {
		return nil, utils.E("memory.All", utils.KindStore, "list records", err)
	}

	var records []models.IssueRecord
	for _, rec := range response.Data["Get"][s.class] {
		records = append(records, rec.toRecord())
	}
	return records, nil
}

// Delete removes a record by id.
func (s *WeaviateStore) Delete(ctx context.Context, id string) error {
	if err := s.rest(ctx, http.MethodDelete, "/v1/objects/"+s.class+"/"+id, nil); err != nil {
		return utils.E("memory.Delete", utils.KindStore, "delete record", err)
	}
	return nil
}

// Prune drops records unused for longer than maxAge.
func (s *WeaviateStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	records, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	dropped := 0
	for _, record := range records {
		if record.LastUsedAt.Before(cutoff) {
			if err := s.Delete(ctx, record.ID); err != nil {
				return dropped, err
			}
			dropped++
		}
	}
	return dropped, nil
}

// Close releases the HTTP client (nothing to release today).
func (s *WeaviateStore) Close() error { return nil }

type weaviateRecord struct {
	IssueText      string `json:"issueText"`
	SolutionAction string `json:"solutionAction"`
	Outcome        string `json:"outcome"`
	CreatedAt      string `json:"createdAt"`
	LastUsedAt     string `json:"lastUsedAt"`
	UseCount       int    `json:"useCount"`
	Additional     struct {
		ID        string  `json:"id"`
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

func (r weaviateRecord) toRecord() models.IssueRecord {
	createdAt, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	lastUsedAt, _ := time.Parse(time.RFC3339Nano, r.LastUsedAt)
	return models.IssueRecord{
		ID:             r.Additional.ID,
		IssueText:      r.IssueText,
		SolutionAction: r.SolutionAction,
		Outcome:        models.ParseOutcome(r.Outcome),
		CreatedAt:      createdAt,
		LastUsedAt:     lastUsedAt,
		UseCount:       r.UseCount,
	}
}

func (s *WeaviateStore) getByID(ctx context.Context, id string) (models.IssueRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/v1/objects/"+s.class+"/"+id, nil)
	if err != nil {
		return models.IssueRecord{}, err
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return models.IssueRecord{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.IssueRecord{}, fmt.Errorf("object %s not found", id)
	}

	var object struct {
		Properties weaviateRecord `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&object); err != nil {
		return models.IssueRecord{}, err
	}
	record := object.Properties.toRecord()
	record.ID = id
	return record, nil
}

func (s *WeaviateStore) graphql(ctx context.Context, query string, out any) error {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("graphql query failed: %s", strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *WeaviateStore) rest(ctx context.Context, method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed: %s", method, path, strings.TrimSpace(string(data)))
	}
	return nil
}

func (s *WeaviateStore) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}
