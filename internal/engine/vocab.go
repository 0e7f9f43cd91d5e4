package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

// VocabGuard checkpoints the special token ids a model was trained with.
// Restoring a checkpoint built with different ids fails, since every packed
// sequence would disagree with the embeddings the heads learned.
type VocabGuard struct {
	Special vocab.Special
}

type vocabState struct {
	Pad int64 `json:"pad"`
	CLS int64 `json:"cls"`
	SEP int64 `json:"sep"`
}

func (g VocabGuard) Snapshot(context.Context) ([]byte, error) {
	return json.Marshal(vocabState{Pad: g.Special.Pad, CLS: g.Special.CLS, SEP: g.Special.SEP})
}

func (g VocabGuard) Restore(_ context.Context, state []byte) error {
	var stored vocabState
	if err := json.Unmarshal(state, &stored); err != nil {
		return fmt.Errorf("decode vocab state: %w", err)
	}
	got := vocab.Special{Pad: stored.Pad, CLS: stored.CLS, SEP: stored.SEP}
	if got != g.Special {
		return fmt.Errorf("%w: checkpoint vocab %+v, configured %+v", ErrIncompatibleCheckpoint, got, g.Special)
	}
	return nil
}
