// Package config: per-kind retry policy overrides.
package config

import (
	"time"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// KindOverride overrides one kind's backoff parameters. Zero values keep the
// built-in default for that parameter.
type KindOverride struct {
	Base   time.Duration `env:"BASE"`
	Max    time.Duration `env:"MAX"`
	Mult   float64       `env:"MULT"`
	Jitter float64       `env:"JITTER" envDefault:"-1"`
}

// RetryOverrides maps env vars of the form RETRY_<KIND>_{BASE,MAX,MULT,JITTER}
// onto the per-kind backoff table.
type RetryOverrides struct {
	Observation    KindOverride `envPrefix:"OBSERVATION_"`
	Summarize      KindOverride `envPrefix:"SUMMARIZE_"`
	Embedding      KindOverride `envPrefix:"EMBEDDING_"`
	VectorSync     KindOverride `envPrefix:"VECTOR_SYNC_"`
	ContextGen     KindOverride `envPrefix:"CONTEXT_GEN_"`
	DocGen         KindOverride `envPrefix:"DOC_GEN_"`
	SemanticSearch KindOverride `envPrefix:"SEMANTIC_SEARCH_"`
	Compression    KindOverride `envPrefix:"COMPRESSION_"`
}

func (o KindOverride) apply(b domain.KindBackoff) domain.KindBackoff {
	if o.Base > 0 {
		b.Base = o.Base
	}
	if o.Max > 0 {
		b.Max = o.Max
	}
	if o.Mult > 0 {
		b.Multiplier = o.Mult
	}
	if o.Jitter >= 0 {
		b.Jitter = o.Jitter
	}
	return b
}

// Backoffs merges the overrides onto the default per-kind table.
func (c Config) Backoffs() map[domain.TaskKind]domain.KindBackoff {
	table := domain.DefaultBackoffs()
	for kind, o := range map[domain.TaskKind]KindOverride{
		domain.KindObservation:    c.Retry.Observation,
		domain.KindSummarize:      c.Retry.Summarize,
		domain.KindEmbedding:      c.Retry.Embedding,
		domain.KindVectorSync:     c.Retry.VectorSync,
		domain.KindContextGen:     c.Retry.ContextGen,
		domain.KindDocGen:         c.Retry.DocGen,
		domain.KindSemanticSearch: c.Retry.SemanticSearch,
		domain.KindCompression:    c.Retry.Compression,
	} {
		table[kind] = o.apply(table[kind])
	}
	return table
}
