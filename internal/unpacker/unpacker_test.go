package unpacker_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/unpacker"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

const (
	dim          = 3
	padSentinel  = float32(-999)
	unpackPadVal = float32(0)
)

// embed stands in for the encoder: every position becomes a vector whose
// components all equal the token id, except PAD positions which carry a
// sentinel that must never leak into unpacked output.
func embed(packed packer.Packed) tensor.Float {
	out := tensor.NewFloat(packed.Tokens.Rows, packed.Tokens.Cols, dim)
	for i := 0; i < packed.Tokens.Rows; i++ {
		for j := 0; j < packed.Tokens.Cols; j++ {
			value := float32(packed.Tokens.At(i, j))
			if packed.Segments.At(i, j) == segment.Pad {
				value = padSentinel
			}
			for k := 0; k < dim; k++ {
				out.Data[(i*packed.Tokens.Cols+j)*dim+k] = value
			}
		}
	}
	return out
}

func pack(t *testing.T, questions, headers [][]int64, counts []int) packer.Packed {
	t.Helper()
	p, err := packer.New(vocab.Default(), packer.Options{})
	if err != nil {
		t.Fatalf("packer.New() error = %v", err)
	}
	packed, err := p.Pack(tensor.PadRows(questions, 0), tensor.PadRows(headers, 0), counts)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	return packed
}

func TestUnpackConcreteBatch(t *testing.T) {
	packed := pack(t,
		[][]int64{{11, 12, 13, 14}, {21, 22}},
		[][]int64{{31, 32, 33}, {41}},
		[]int{2, 0},
	)

	out, err := unpacker.New(unpacker.Options{PadValue: unpackPadVal}).Unpack(embed(packed), packed.Segments)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}

	if got := out.Questions.Shape; got[0] != 2 || got[1] != 4 || got[2] != dim {
		t.Fatalf("Questions.Shape = %v", got)
	}
	if got := out.Headers.Shape; got[0] != 2 || got[1] != 3 || got[2] != dim {
		t.Fatalf("Headers.Shape = %v", got)
	}
	if out.HeaderLengths[0] != 3 || out.HeaderLengths[1] != 1 {
		t.Fatalf("HeaderLengths = %v", out.HeaderLengths)
	}
	if out.HeaderCounts[0] != 2 || out.HeaderCounts[1] != 0 {
		t.Fatalf("HeaderCounts = %v", out.HeaderCounts)
	}
	if out.QuestionLengths[0] != 4 || out.QuestionLengths[1] != 2 {
		t.Fatalf("QuestionLengths = %v", out.QuestionLengths)
	}

	wantQ0 := []float32{11, 12, 13, 14}
	for j, want := range wantQ0 {
		if got := out.Questions.At(0, j, 0); got != want {
			t.Fatalf("Questions[0][%d] = %v, want %v", j, got, want)
		}
	}
	if out.Questions.At(1, 1, 2) != 22 {
		t.Fatalf("Questions[1][1] = %v", out.Questions.At(1, 1, 2))
	}
	for j := 2; j < 4; j++ {
		for k := 0; k < dim; k++ {
			if got := out.Questions.At(1, j, k); got != unpackPadVal {
				t.Fatalf("Questions[1][%d][%d] = %v, want pad", j, k, got)
			}
		}
	}
	if out.Headers.At(1, 0, 0) != 41 || out.Headers.At(1, 1, 0) != unpackPadVal {
		t.Fatalf("Headers[1] = %v", out.Headers.Slab(1))
	}
}

func TestUnpackPreservesHeaderOrderAndIsolatesPadding(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 30; trial++ {
		examples := 1 + rng.Intn(8)
		questions := make([][]int64, examples)
		counts := make([]int, examples)
		var headers [][]int64
		marker := int64(5000)
		for i := range questions {
			questions[i] = make([]int64, rng.Intn(6))
			for j := range questions[i] {
				questions[i][j] = int64(1000 + j)
			}
			counts[i] = rng.Intn(4)
			for h := 0; h < counts[i]; h++ {
				marker++
				row := make([]int64, 1+rng.Intn(3))
				for j := range row {
					row[j] = marker
				}
				headers = append(headers, row)
			}
		}

		packed := pack(t, questions, headers, counts)
		out, err := unpacker.New(unpacker.Options{PadValue: unpackPadVal, Workers: 3}).Unpack(embed(packed), packed.Segments)
		if err != nil {
			t.Fatalf("trial %d: Unpack() error = %v", trial, err)
		}
		if err := unpacker.CheckHeaderCounts(out.HeaderCounts, counts); err != nil {
			t.Fatalf("trial %d: CheckHeaderCounts() error = %v", trial, err)
		}
		if out.Headers.Dim(0) != len(headers) {
			t.Fatalf("trial %d: %d headers unpacked, want %d", trial, out.Headers.Dim(0), len(headers))
		}
		for h, row := range headers {
			if out.HeaderLengths[h] != len(row) {
				t.Fatalf("trial %d: header %d length = %d, want %d", trial, h, out.HeaderLengths[h], len(row))
			}
			if got := out.Headers.At(h, 0, 0); got != float32(row[0]) {
				t.Fatalf("trial %d: header %d carries marker %v, want %d", trial, h, got, row[0])
			}
		}
		for _, v := range out.Headers.Data {
			if v == padSentinel {
				t.Fatalf("trial %d: PAD content leaked into header output", trial)
			}
		}
		for _, v := range out.Questions.Data {
			if v == padSentinel {
				t.Fatalf("trial %d: PAD content leaked into question output", trial)
			}
		}
	}
}

func TestUnpackZeroHeaderBatch(t *testing.T) {
	packed := pack(t, [][]int64{{1, 2}, {3}}, nil, []int{0, 0})
	out, err := unpacker.New(unpacker.Options{}).Unpack(embed(packed), packed.Segments)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if out.Headers.Dim(0) != 0 {
		t.Fatalf("Headers.Shape = %v", out.Headers.Shape)
	}
	if len(out.HeaderLengths) != 0 {
		t.Fatalf("HeaderLengths = %v", out.HeaderLengths)
	}
}

func TestUnpackDoesNotAliasEncoderOutput(t *testing.T) {
	packed := pack(t, [][]int64{{1}}, [][]int64{{2}}, []int{1})
	encoded := embed(packed)
	out, err := unpacker.New(unpacker.Options{}).Unpack(encoded, packed.Segments)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	for i := range encoded.Data {
		encoded.Data[i] = 42
	}
	if out.Headers.At(0, 0, 0) != 2 || out.Questions.At(0, 0, 0) != 1 {
		t.Fatal("unpacked tensors changed with the encoder output")
	}
}

func TestUnpackRejectsShapeMismatch(t *testing.T) {
	packed := pack(t, [][]int64{{1, 2}}, nil, []int{0})
	u := unpacker.New(unpacker.Options{})

	wrongLength := tensor.NewFloat(1, packed.Segments.Cols+1, dim)
	if _, err := u.Unpack(wrongLength, packed.Segments); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("Unpack() error = %v, want ErrShapeMismatch", err)
	}
	wrongRank := tensor.NewFloat(1, packed.Segments.Cols)
	if _, err := u.Unpack(wrongRank, packed.Segments); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("Unpack() error = %v, want ErrShapeMismatch", err)
	}
}

func TestUnpackRejectsMalformedSegments(t *testing.T) {
	segments := segment.Matrix{Rows: 2, Cols: 4, Data: []segment.Label{
		segment.CLS, segment.Header, segment.SEP, segment.Question,
		segment.CLS, segment.SEP, segment.Question, segment.Pad,
	}}
	_, err := unpacker.New(unpacker.Options{}).Unpack(tensor.NewFloat(2, 4, dim), segments)
	if !errors.Is(err, segment.ErrMalformed) {
		t.Fatalf("Unpack() error = %v, want ErrMalformed", err)
	}
	var rowErr *segment.RowError
	if !errors.As(err, &rowErr) || rowErr.Example != 1 {
		t.Fatalf("Unpack() error = %v, want example 1", err)
	}
}

func TestCheckHeaderCounts(t *testing.T) {
	if err := unpacker.CheckHeaderCounts([]int{1, 0}, []int{1, 0}); err != nil {
		t.Fatalf("CheckHeaderCounts() error = %v", err)
	}
	if err := unpacker.CheckHeaderCounts([]int{1, 0}, []int{1, 1}); !errors.Is(err, unpacker.ErrHeaderCountMismatch) {
		t.Fatalf("CheckHeaderCounts() error = %v", err)
	}
	if err := unpacker.CheckHeaderCounts([]int{1}, []int{1, 1}); !errors.Is(err, unpacker.ErrHeaderCountMismatch) {
		t.Fatalf("CheckHeaderCounts() error = %v", err)
	}
}
