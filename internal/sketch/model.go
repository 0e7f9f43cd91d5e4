// Package sketch runs the sketch prediction forward pass: pack the question
// and headers, encode, unpack, and hand the embeddings to the prediction
// heads. The encoder and heads are external; this package only moves data
// between them.
package sketch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/unpacker"
)

// ErrEncoder marks failures of the external encoder, including output whose
// shape does not cover the packed batch.
var ErrEncoder = errors.New("encoder failed")

// Batch is the tokenized input of one forward pass.
type Batch struct {
	Questions    tensor.Matrix[int64]
	Headers      tensor.Matrix[int64]
	HeaderCounts []int
}

// Encoder is the pretrained text encoder. It must return one vector per
// packed position: (rows, cols, dim) for a (rows, cols) token matrix.
type Encoder interface {
	Encode(ctx context.Context, tokens tensor.Matrix[int64]) (tensor.Float, error)
}

type EncoderFunc func(ctx context.Context, tokens tensor.Matrix[int64]) (tensor.Float, error)

func (f EncoderFunc) Encode(ctx context.Context, tokens tensor.Matrix[int64]) (tensor.Float, error) {
	return f(ctx, tokens)
}

// Features is what the heads see of a batch.
type Features struct {
	Question        tensor.Float
	Headers         tensor.Float
	HeaderCounts    []int
	QuestionLengths []int
	HeaderLengths   []int
}

type HeaderHead interface {
	Predict(ctx context.Context, in Features) (tensor.Float, error)
}

type QuestionHead interface {
	Predict(ctx context.Context, question tensor.Float) (tensor.Float, error)
}

type ValueHead interface {
	Predict(ctx context.Context, in Features, whereNum, whereColumn tensor.Float) (start, end tensor.Float, err error)
}

type HeaderHeadFunc func(ctx context.Context, in Features) (tensor.Float, error)

func (f HeaderHeadFunc) Predict(ctx context.Context, in Features) (tensor.Float, error) {
	return f(ctx, in)
}

type QuestionHeadFunc func(ctx context.Context, question tensor.Float) (tensor.Float, error)

func (f QuestionHeadFunc) Predict(ctx context.Context, question tensor.Float) (tensor.Float, error) {
	return f(ctx, question)
}

type ValueHeadFunc func(ctx context.Context, in Features, whereNum, whereColumn tensor.Float) (tensor.Float, tensor.Float, error)

func (f ValueHeadFunc) Predict(ctx context.Context, in Features, whereNum, whereColumn tensor.Float) (tensor.Float, tensor.Float, error) {
	return f(ctx, in, whereNum, whereColumn)
}

type Heads struct {
	SelectColumn  HeaderHead
	Aggregator    HeaderHead
	WhereNum      QuestionHead
	WhereColumn   HeaderHead
	WhereOperator HeaderHead
	WhereValue    ValueHead
}

func (h Heads) validate() error {
	switch {
	case h.SelectColumn == nil:
		return errors.New("select column head is required")
	case h.Aggregator == nil:
		return errors.New("aggregator head is required")
	case h.WhereNum == nil:
		return errors.New("where num head is required")
	case h.WhereColumn == nil:
		return errors.New("where column head is required")
	case h.WhereOperator == nil:
		return errors.New("where operator head is required")
	case h.WhereValue == nil:
		return errors.New("where value head is required")
	}
	return nil
}

// Prediction holds the raw logits of every head.
type Prediction struct {
	SelectColumn    tensor.Float
	Aggregator      tensor.Float
	WhereNum        tensor.Float
	WhereColumn     tensor.Float
	WhereOperator   tensor.Float
	WhereValueStart tensor.Float
	WhereValueEnd   tensor.Float
}

type Model struct {
	Packer   *packer.Packer
	Unpacker *unpacker.Unpacker
	Encoder  Encoder
	Heads    Heads
	Logger   *slog.Logger
}

func NewModel(p *packer.Packer, u *unpacker.Unpacker, encoder Encoder, heads Heads, logger *slog.Logger) (*Model, error) {
	if p == nil {
		return nil, errors.New("packer is required")
	}
	if u == nil {
		return nil, errors.New("unpacker is required")
	}
	if encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if err := heads.validate(); err != nil {
		return nil, err
	}
	return &Model{Packer: p, Unpacker: u, Encoder: encoder, Heads: heads, Logger: logger}, nil
}

// Encode runs pack, encode and unpack, and cross-checks the recovered header
// runs against the batch header counts.
func (m *Model) Encode(ctx context.Context, batch Batch) (Features, error) {
	return EncodeBatch(ctx, m.Packer, m.Unpacker, m.Encoder, batch)
}

// EncodeBatch is the head-free part of the forward pass.
func EncodeBatch(ctx context.Context, p *packer.Packer, u *unpacker.Unpacker, encoder Encoder, batch Batch) (Features, error) {
	start := time.Now()
	packed, err := p.Pack(batch.Questions, batch.Headers, batch.HeaderCounts)
	if err != nil {
		observability.ObserveStructureError("pack", err)
		return Features{}, fmt.Errorf("pack batch: %w", err)
	}
	observability.ObservePack(packed.Segments, time.Since(start))

	encoded, err := encoder.Encode(ctx, packed.Tokens)
	if err != nil {
		return Features{}, fmt.Errorf("%w: %w", ErrEncoder, err)
	}
	if encoded.Rank() != 3 || encoded.Dim(0) != packed.Tokens.Rows || encoded.Dim(1) != packed.Tokens.Cols {
		return Features{}, fmt.Errorf("%w: %w: output %v for packed batch (%d, %d)",
			ErrEncoder, tensor.ErrShapeMismatch, encoded.Shape, packed.Tokens.Rows, packed.Tokens.Cols)
	}

	return Unpack(u, encoded, packed.Segments, batch.HeaderCounts)
}

// Unpack unpacks encoder output and verifies every example kept exactly the
// number of header runs it was packed with.
func Unpack(u *unpacker.Unpacker, encoded tensor.Float, segments segment.Matrix, headerCounts []int) (Features, error) {
	start := time.Now()
	out, err := u.Unpack(encoded, segments)
	if err != nil {
		observability.ObserveStructureError("unpack", err)
		return Features{}, fmt.Errorf("unpack encoder output: %w", err)
	}
	if headerCounts != nil {
		if err := unpacker.CheckHeaderCounts(out.HeaderCounts, headerCounts); err != nil {
			observability.ObserveStructureError("unpack", err)
			return Features{}, err
		}
	}
	observability.ObserveUnpack(len(out.HeaderLengths), time.Since(start))
	return Features{
		Question:        out.Questions,
		Headers:         out.Headers,
		HeaderCounts:    out.HeaderCounts,
		QuestionLengths: out.QuestionLengths,
		HeaderLengths:   out.HeaderLengths,
	}, nil
}

func (m *Model) Forward(ctx context.Context, batch Batch) (Prediction, error) {
	features, err := m.Encode(ctx, batch)
	if err != nil {
		return Prediction{}, err
	}

	var pred Prediction
	if pred.SelectColumn, err = m.Heads.SelectColumn.Predict(ctx, features); err != nil {
		return Prediction{}, fmt.Errorf("select column head: %w", err)
	}
	if pred.Aggregator, err = m.Heads.Aggregator.Predict(ctx, features); err != nil {
		return Prediction{}, fmt.Errorf("aggregator head: %w", err)
	}
	if pred.WhereNum, err = m.Heads.WhereNum.Predict(ctx, features.Question); err != nil {
		return Prediction{}, fmt.Errorf("where num head: %w", err)
	}
	if pred.WhereColumn, err = m.Heads.WhereColumn.Predict(ctx, features); err != nil {
		return Prediction{}, fmt.Errorf("where column head: %w", err)
	}
	if pred.WhereOperator, err = m.Heads.WhereOperator.Predict(ctx, features); err != nil {
		return Prediction{}, fmt.Errorf("where operator head: %w", err)
	}
	if pred.WhereValueStart, pred.WhereValueEnd, err = m.Heads.WhereValue.Predict(ctx, features, pred.WhereNum, pred.WhereColumn); err != nil {
		return Prediction{}, fmt.Errorf("where value head: %w", err)
	}

	if m.Logger != nil {
		m.Logger.DebugContext(ctx, "sketch forward pass complete",
			slog.Int("examples", batch.Questions.Rows),
			slog.Int("headers", batch.Headers.Rows),
			slog.Any("question_shape", features.Question.Shape),
			slog.Any("headers_shape", features.Headers.Shape),
		)
	}
	return pred, nil
}
