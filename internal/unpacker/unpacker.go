// Package unpacker turns the encoder output of a packed batch back into dense
// per-question and per-header embedding tensors, using nothing but the
// segment labels produced by the packer.
package unpacker

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
)

var ErrHeaderCountMismatch = errors.New("header count mismatch")

type Options struct {
	// PadValue fills every output position that has no source position.
	PadValue float32
	// Workers bounds how many rows are scanned concurrently. Values <= 1
	// scan sequentially.
	Workers int
}

type Unpacker struct {
	opts Options
}

// Unpacked holds freshly allocated tensors; none of them share memory with the
// encoder output.
type Unpacked struct {
	// Questions is (examples, longest question, dim).
	Questions tensor.Float
	// Headers is (headers in batch, longest header, dim), example-major.
	Headers tensor.Float

	HeaderCounts    []int
	QuestionLengths []int
	HeaderLengths   []int
}

func New(opts Options) *Unpacker {
	return &Unpacker{opts: opts}
}

type rowSlices struct {
	question []float32
	headers  [][]float32
}

func (u *Unpacker) Unpack(encoded tensor.Float, segments segment.Matrix) (Unpacked, error) {
	if err := encoded.Validate(); err != nil {
		return Unpacked{}, fmt.Errorf("encoder output: %w", err)
	}
	if encoded.Rank() != 3 {
		return Unpacked{}, fmt.Errorf("%w: encoder output has rank %d, want 3", tensor.ErrShapeMismatch, encoded.Rank())
	}
	if err := segments.Validate(); err != nil {
		return Unpacked{}, fmt.Errorf("segments: %w", err)
	}
	if encoded.Dim(0) != segments.Rows || encoded.Dim(1) != segments.Cols {
		return Unpacked{}, fmt.Errorf("%w: encoder output %v does not match segments (%d, %d)",
			tensor.ErrShapeMismatch, encoded.Shape, segments.Rows, segments.Cols)
	}
	dim := encoded.Dim(2)

	rows := make([]rowSlices, segments.Rows)
	scanOne := func(i int) error {
		layout, err := segment.ScanRow(i, segments.Row(i))
		if err != nil {
			return err
		}
		slab := encoded.Slab(i)
		row := rowSlices{
			question: slab[layout.Question.Start*dim : layout.Question.End*dim],
			headers:  make([][]float32, len(layout.Headers)),
		}
		for h, run := range layout.Headers {
			row.headers[h] = slab[run.Start*dim : run.End*dim]
		}
		rows[i] = row
		return nil
	}

	if u.opts.Workers > 1 && segments.Rows > 1 {
		var g errgroup.Group
		g.SetLimit(u.opts.Workers)
		for i := range rows {
			g.Go(func() error { return scanOne(i) })
		}
		if err := g.Wait(); err != nil {
			return Unpacked{}, err
		}
	} else {
		for i := range rows {
			if err := scanOne(i); err != nil {
				return Unpacked{}, err
			}
		}
	}

	out := Unpacked{
		HeaderCounts:    make([]int, len(rows)),
		QuestionLengths: make([]int, len(rows)),
	}
	questions := make([][]float32, len(rows))
	var headers [][]float32
	for i, row := range rows {
		questions[i] = row.question
		out.HeaderCounts[i] = len(row.headers)
		out.QuestionLengths[i] = vectors(row.question, dim)
		for _, h := range row.headers {
			headers = append(headers, h)
			out.HeaderLengths = append(out.HeaderLengths, vectors(h, dim))
		}
	}
	if out.HeaderLengths == nil {
		out.HeaderLengths = []int{}
	}

	var err error
	if out.Questions, err = tensor.PadSequences(questions, dim, u.opts.PadValue); err != nil {
		return Unpacked{}, fmt.Errorf("pad questions: %w", err)
	}
	if out.Headers, err = tensor.PadSequences(headers, dim, u.opts.PadValue); err != nil {
		return Unpacked{}, fmt.Errorf("pad headers: %w", err)
	}
	return out, nil
}

// CheckHeaderCounts compares the header runs recovered per example with the
// counts the batch was packed with. A dropped or extra run is an error.
func CheckHeaderCounts(got, want []int) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: %d examples unpacked, %d expected", ErrHeaderCountMismatch, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("%w: example %d has %d header runs, want %d", ErrHeaderCountMismatch, i, got[i], want[i])
		}
	}
	return nil
}

func vectors(values []float32, dim int) int {
	if dim == 0 {
		return 0
	}
	return len(values) / dim
}
