package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/hub"
)

// Handlers holds the dependencies shared by the built-in task handlers.
type Handlers struct {
	AI     domain.AIClient
	Vector domain.VectorStore
	// Collection is the default vector collection when the payload names none.
	Collection string
	// VectorSize is used when creating collections on first use.
	VectorSize int
}

// RegisterAll installs a handler for every task kind the broker routes.
func (h *Handlers) RegisterAll(rt *Runtime) {
	rt.Register(domain.KindObservation, h.Observation)
	rt.Register(domain.KindSummarize, h.Summarize)
	rt.Register(domain.KindEmbedding, h.Embedding)
	rt.Register(domain.KindVectorSync, h.VectorSync)
	rt.Register(domain.KindContextGen, h.ContextGen)
	rt.Register(domain.KindDocGen, h.DocGen)
	rt.Register(domain.KindSemanticSearch, h.SemanticSearch)
	rt.Register(domain.KindCompression, h.Compression)
}

func (h *Handlers) collection(name string) string {
	if name != "" {
		return name
	}
	if h.Collection != "" {
		return h.Collection
	}
	return "memory"
}

// Observation distills a raw observation into a structured memory record.
func (h *Handlers) Observation(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	var in struct {
		Text   string `json:"text"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=observation: decode payload: %w", err))
	}
	if in.Text == "" {
		return nil, Fatal(fmt.Errorf("op=observation: empty text"))
	}
	out, err := h.AI.ChatJSON(ctx,
		"Extract the durable facts from this observation as a JSON object with keys: facts (array of strings), entities (array of strings), salience (0-1).",
		in.Text, 1024)
	if err != nil {
		return nil, fmt.Errorf("op=observation: %w", err)
	}
	report(0.9, "extracted")
	return wrapResult(out, map[string]any{"source": in.Source})
}

// Summarize condenses a document or conversation window.
func (h *Handlers) Summarize(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	var in struct {
		Text     string `json:"text"`
		MaxWords int    `json:"max_words"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=summarize: decode payload: %w", err))
	}
	if in.Text == "" {
		return nil, Fatal(fmt.Errorf("op=summarize: empty text"))
	}
	if in.MaxWords <= 0 {
		in.MaxWords = 200
	}
	out, err := h.AI.ChatJSON(ctx,
		fmt.Sprintf("Summarize the input in at most %d words. Respond as JSON: {\"summary\": string}.", in.MaxWords),
		in.Text, 2048)
	if err != nil {
		return nil, fmt.Errorf("op=summarize: %w", err)
	}
	report(0.9, "summarized")
	return json.RawMessage(out), nil
}

// Embedding embeds texts and, when a vector store is configured, upserts the
// resulting points.
func (h *Handlers) Embedding(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	var in struct {
		Texts      []string         `json:"texts"`
		IDs        []string         `json:"ids"`
		Collection string           `json:"collection"`
		Payloads   []map[string]any `json:"payloads"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=embedding: decode payload: %w", err))
	}
	if len(in.Texts) == 0 {
		return nil, Fatal(fmt.Errorf("op=embedding: no texts"))
	}
	if len(in.IDs) != 0 && len(in.IDs) != len(in.Texts) {
		return nil, Fatal(fmt.Errorf("op=embedding: ids and texts length mismatch"))
	}

	vectors, err := h.AI.Embed(ctx, in.Texts)
	if err != nil {
		return nil, fmt.Errorf("op=embedding: %w", err)
	}
	report(0.5, "embedded")

	stored := false
	if h.Vector != nil && len(in.IDs) == len(vectors) {
		coll := h.collection(in.Collection)
		payloads := in.Payloads
		if len(payloads) != len(vectors) {
			payloads = make([]map[string]any, len(vectors))
			for i := range payloads {
				payloads[i] = map[string]any{"text": in.Texts[i]}
			}
		}
		size := h.VectorSize
		if size <= 0 && len(vectors) > 0 {
			size = len(vectors[0])
		}
		if err := h.Vector.EnsureCollection(ctx, coll, size, "Cosine"); err != nil {
			return nil, fmt.Errorf("op=embedding: %w", err)
		}
		if err := h.Vector.UpsertPoints(ctx, coll, in.IDs, vectors, payloads); err != nil {
			return nil, fmt.Errorf("op=embedding: %w", err)
		}
		stored = true
		report(0.9, "stored")
	}

	return marshalResult(map[string]any{
		"embedded":  len(vectors),
		"dimension": dim(vectors),
		"stored":    stored,
	})
}

// VectorSync writes precomputed vectors into the vector store.
func (h *Handlers) VectorSync(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	if h.Vector == nil {
		return nil, Fatal(fmt.Errorf("op=vector-sync: no vector store configured"))
	}
	var in struct {
		Collection string           `json:"collection"`
		IDs        []string         `json:"ids"`
		Vectors    [][]float32      `json:"vectors"`
		Payloads   []map[string]any `json:"payloads"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=vector-sync: decode payload: %w", err))
	}
	if len(in.IDs) == 0 || len(in.IDs) != len(in.Vectors) {
		return nil, Fatal(fmt.Errorf("op=vector-sync: ids and vectors length mismatch"))
	}
	payloads := in.Payloads
	if len(payloads) != len(in.Vectors) {
		payloads = make([]map[string]any, len(in.Vectors))
		for i := range payloads {
			payloads[i] = map[string]any{}
		}
	}
	coll := h.collection(in.Collection)
	if err := h.Vector.EnsureCollection(ctx, coll, dim(in.Vectors), "Cosine"); err != nil {
		return nil, fmt.Errorf("op=vector-sync: %w", err)
	}
	if err := h.Vector.UpsertPoints(ctx, coll, in.IDs, in.Vectors, payloads); err != nil {
		return nil, fmt.Errorf("op=vector-sync: %w", err)
	}
	report(0.9, "synced")
	return marshalResult(map[string]any{"synced": len(in.IDs), "collection": coll})
}

// ContextGen assembles a working context for an agent session from the
// supplied memory snippets.
func (h *Handlers) ContextGen(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	var in struct {
		Query    string   `json:"query"`
		Snippets []string `json:"snippets"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=context-gen: decode payload: %w", err))
	}
	if in.Query == "" {
		return nil, Fatal(fmt.Errorf("op=context-gen: empty query"))
	}
	joined, _ := json.Marshal(in.Snippets)
	out, err := h.AI.ChatJSON(ctx,
		"Given a query and memory snippets, produce JSON {\"context\": string, \"used\": [indices]} selecting only the snippets relevant to the query.",
		fmt.Sprintf("query: %s\nsnippets: %s", in.Query, joined), 2048)
	if err != nil {
		return nil, fmt.Errorf("op=context-gen: %w", err)
	}
	report(0.9, "assembled")
	return json.RawMessage(out), nil
}

// DocGen produces a structured document from a set of memory records.
func (h *Handlers) DocGen(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	var in struct {
		Title   string   `json:"title"`
		Records []string `json:"records"`
		Format  string   `json:"format"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=doc-gen: decode payload: %w", err))
	}
	if len(in.Records) == 0 {
		return nil, Fatal(fmt.Errorf("op=doc-gen: no records"))
	}
	if in.Format == "" {
		in.Format = "markdown"
	}
	joined, _ := json.Marshal(in.Records)
	out, err := h.AI.ChatJSON(ctx,
		fmt.Sprintf("Write a %s document titled %q from these records. Respond as JSON: {\"document\": string}.", in.Format, in.Title),
		string(joined), 4096)
	if err != nil {
		return nil, fmt.Errorf("op=doc-gen: %w", err)
	}
	report(0.9, "generated")
	return json.RawMessage(out), nil
}

// SemanticSearch embeds the query and returns the nearest stored points.
func (h *Handlers) SemanticSearch(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	if h.Vector == nil {
		return nil, Fatal(fmt.Errorf("op=semantic-search: no vector store configured"))
	}
	var in struct {
		Query      string `json:"query"`
		Collection string `json:"collection"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=semantic-search: decode payload: %w", err))
	}
	if in.Query == "" {
		return nil, Fatal(fmt.Errorf("op=semantic-search: empty query"))
	}
	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 10
	}
	vectors, err := h.AI.Embed(ctx, []string{in.Query})
	if err != nil {
		return nil, fmt.Errorf("op=semantic-search: %w", err)
	}
	report(0.5, "embedded query")
	hits, err := h.Vector.Search(ctx, h.collection(in.Collection), vectors[0], in.Limit)
	if err != nil {
		return nil, fmt.Errorf("op=semantic-search: %w", err)
	}
	report(0.9, "searched")
	results := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		results = append(results, map[string]any{
			"id":      hit.ID,
			"score":   hit.Score,
			"payload": hit.Payload,
		})
	}
	return marshalResult(map[string]any{"hits": results})
}

// Compression rewrites a block of older memories into a shorter form that
// preserves the load-bearing facts.
func (h *Handlers) Compression(ctx context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
	var in struct {
		Records     []string `json:"records"`
		TargetRatio float64  `json:"target_ratio"`
	}
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return nil, Fatal(fmt.Errorf("op=compression: decode payload: %w", err))
	}
	if len(in.Records) == 0 {
		return nil, Fatal(fmt.Errorf("op=compression: no records"))
	}
	if in.TargetRatio <= 0 || in.TargetRatio >= 1 {
		in.TargetRatio = 0.3
	}
	joined, _ := json.Marshal(in.Records)
	out, err := h.AI.ChatJSON(ctx,
		fmt.Sprintf("Compress these memory records to roughly %.0f%% of their size, dropping only details that carry no durable information. Respond as JSON: {\"compressed\": [strings]}.", in.TargetRatio*100),
		string(joined), 4096)
	if err != nil {
		return nil, fmt.Errorf("op=compression: %w", err)
	}
	report(0.9, "compressed")
	return json.RawMessage(out), nil
}

func dim(vectors [][]float32) int {
	if len(vectors) == 0 {
		return 0
	}
	return len(vectors[0])
}

func marshalResult(v map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=worker: encode result: %w", err)
	}
	return b, nil
}

// wrapResult merges extra fields into a JSON object produced by the model.
func wrapResult(modelJSON string, extra map[string]any) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(modelJSON), &obj); err != nil {
		obj = map[string]any{"raw": modelJSON}
	}
	for k, v := range extra {
		if v != "" && v != nil {
			obj[k] = v
		}
	}
	return marshalResult(obj)
}
