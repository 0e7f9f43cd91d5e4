// Package packer interleaves a question and its table headers into the single
// token sequence consumed by the encoder, together with an aligned segment
// row:
//
//	[CLS] h1 ... [SEP] h2 ... [SEP] ... q1 q2 ... [PAD ...]
//
// Every example is packed independently into its own buffer; the buffers are
// stacked and right-padded in a separate step.
package packer

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

var ErrEmptyHeader = errors.New("empty header")

type Options struct {
	// Workers bounds how many examples are packed concurrently. Values <= 1
	// pack sequentially.
	Workers int
}

type Packer struct {
	special vocab.Special
	workers int
}

// Packed is the encoder input. Both matrices share the same shape.
type Packed struct {
	Tokens   tensor.Matrix[int64]
	Segments segment.Matrix
}

func New(special vocab.Special, opts Options) (*Packer, error) {
	if err := special.Validate(); err != nil {
		return nil, fmt.Errorf("invalid special tokens: %w", err)
	}
	return &Packer{special: special, workers: opts.Workers}, nil
}

func (p *Packer) Special() vocab.Special {
	return p.special
}

// Pack builds the padded token matrix and segment matrix for a batch.
// headers holds the header rows of all examples back to back; counts[i] says
// how many consecutive rows belong to example i.
func (p *Packer) Pack(questions, headers tensor.Matrix[int64], counts []int) (Packed, error) {
	offsets, err := validate(questions, headers, counts)
	if err != nil {
		return Packed{}, err
	}

	seqs := make([]sequence, questions.Rows)
	packOne := func(i int) error {
		seq, err := p.packExample(i, questions.Row(i), headers, offsets[i], counts[i])
		if err != nil {
			return err
		}
		seqs[i] = seq
		return nil
	}

	if p.workers > 1 && questions.Rows > 1 {
		var g errgroup.Group
		g.SetLimit(p.workers)
		for i := range seqs {
			g.Go(func() error { return packOne(i) })
		}
		if err := g.Wait(); err != nil {
			return Packed{}, err
		}
	} else {
		for i := range seqs {
			if err := packOne(i); err != nil {
				return Packed{}, err
			}
		}
	}

	return p.stack(seqs), nil
}

type sequence struct {
	tokens []int64
	labels []segment.Label
}

func (s *sequence) emit(label segment.Label, tokens ...int64) {
	s.tokens = append(s.tokens, tokens...)
	for range tokens {
		s.labels = append(s.labels, label)
	}
}

func (p *Packer) packExample(example int, question []int64, headers tensor.Matrix[int64], offset, count int) (sequence, error) {
	question = trimPad(question)
	size := 1 + len(question)
	headerRows := make([][]int64, count)
	for h := range headerRows {
		row := trimPad(headers.Row(offset + h))
		if len(row) == 0 {
			return sequence{}, fmt.Errorf("%w: example %d header %d (row %d) has no tokens", ErrEmptyHeader, example, h, offset+h)
		}
		headerRows[h] = row
		size += len(row) + 1
	}

	seq := sequence{
		tokens: make([]int64, 0, size),
		labels: make([]segment.Label, 0, size),
	}
	seq.emit(segment.CLS, p.special.CLS)
	for _, row := range headerRows {
		seq.emit(segment.Header, row...)
		seq.emit(segment.SEP, p.special.SEP)
	}
	seq.emit(segment.Question, question...)
	return seq, nil
}

func (p *Packer) stack(seqs []sequence) Packed {
	width := 0
	for _, seq := range seqs {
		if len(seq.tokens) > width {
			width = len(seq.tokens)
		}
	}
	tokens := tensor.NewMatrix[int64](len(seqs), width)
	labels := tensor.NewMatrix[segment.Label](len(seqs), width)
	for i, seq := range seqs {
		tokenRow := tokens.Row(i)
		n := copy(tokenRow, seq.tokens)
		for j := n; j < width; j++ {
			tokenRow[j] = p.special.Pad
		}
		// segment.Pad is the zero label, so the label tail is already padded.
		copy(labels.Row(i), seq.labels)
	}
	return Packed{Tokens: tokens, Segments: labels}
}

func validate(questions, headers tensor.Matrix[int64], counts []int) ([]int, error) {
	if err := questions.Validate(); err != nil {
		return nil, fmt.Errorf("question tokens: %w", err)
	}
	if err := headers.Validate(); err != nil {
		return nil, fmt.Errorf("header tokens: %w", err)
	}
	if len(counts) != questions.Rows {
		return nil, fmt.Errorf("%w: %d header counts for %d examples", tensor.ErrShapeMismatch, len(counts), questions.Rows)
	}
	offsets := make([]int, len(counts))
	total := 0
	for i, count := range counts {
		if count < 0 {
			return nil, fmt.Errorf("%w: example %d has negative header count %d", tensor.ErrShapeMismatch, i, count)
		}
		offsets[i] = total
		total += count
	}
	if total != headers.Rows {
		return nil, fmt.Errorf("%w: header counts sum to %d, header matrix has %d rows", tensor.ErrShapeMismatch, total, headers.Rows)
	}
	return offsets, nil
}

// trimPad drops trailing source pad positions.
func trimPad(row []int64) []int64 {
	n := len(row)
	for n > 0 && row[n-1] == vocab.SourcePad {
		n--
	}
	return row[:n]
}
