package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/packer"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
)

// ExampleRow is the on-disk layout of one example. Header tokens are stored
// back to back and split by HeaderLengths.
type ExampleRow struct {
	ExampleID      int64   `parquet:"example_id"`
	QuestionTokens []int64 `parquet:"question_tokens,list"`
	HeaderTokens   []int64 `parquet:"header_tokens,list"`
	HeaderLengths  []int32 `parquet:"header_lengths,list"`
}

// PackedRow is one packed example of a packed batch file.
type PackedRow struct {
	BatchID     int64   `parquet:"batch_id"`
	Row         int32   `parquet:"row"`
	ExampleID   int64   `parquet:"example_id"`
	Tokens      []int64 `parquet:"tokens,list"`
	Segments    []int32 `parquet:"segments,list"`
	HeaderCount int32   `parquet:"header_count"`
}

// PackedBatch is a decoded packed batch file.
type PackedBatch struct {
	BatchID      int64
	ExampleIDs   []int64
	Packed       packer.Packed
	HeaderCounts []int
}

func ToRow(example Example) ExampleRow {
	row := ExampleRow{
		ExampleID:      example.ID,
		QuestionTokens: append([]int64{}, example.QuestionTokens...),
		HeaderTokens:   []int64{},
		HeaderLengths:  make([]int32, len(example.HeaderTokens)),
	}
	for h, header := range example.HeaderTokens {
		row.HeaderTokens = append(row.HeaderTokens, header...)
		row.HeaderLengths[h] = int32(len(header))
	}
	return row
}

func FromRow(row ExampleRow) (Example, error) {
	example := Example{
		ID:             row.ExampleID,
		QuestionTokens: append([]int64{}, row.QuestionTokens...),
		HeaderTokens:   make([][]int64, len(row.HeaderLengths)),
	}
	offset := 0
	for h, length := range row.HeaderLengths {
		end := offset + int(length)
		if length < 0 || end > len(row.HeaderTokens) {
			return Example{}, fmt.Errorf("example %d: header lengths exceed %d header tokens", row.ExampleID, len(row.HeaderTokens))
		}
		example.HeaderTokens[h] = append([]int64{}, row.HeaderTokens[offset:end]...)
		offset = end
	}
	if offset != len(row.HeaderTokens) {
		return Example{}, fmt.Errorf("example %d: %d header tokens not covered by header lengths", row.ExampleID, len(row.HeaderTokens)-offset)
	}
	return example, nil
}

func EncodeExamples(examples []Example) ([]byte, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("examples are required")
	}
	rows := make([]ExampleRow, len(examples))
	for i, example := range examples {
		rows[i] = ToRow(example)
	}
	return writeParquet(rows)
}

func DecodeExamples(data []byte) ([]Example, error) {
	rows, err := readParquet[ExampleRow](data)
	if err != nil {
		return nil, err
	}
	examples := make([]Example, len(rows))
	for i, row := range rows {
		if examples[i], err = FromRow(row); err != nil {
			return nil, err
		}
	}
	return examples, nil
}

// EncodePackedBatch writes one row per packed example. Rows keep the packed
// width, so padding survives the round trip.
func EncodePackedBatch(batchID int64, exampleIDs []int64, packed packer.Packed, headerCounts []int) ([]byte, error) {
	if packed.Tokens.Rows == 0 {
		return nil, fmt.Errorf("packed batch is empty")
	}
	if len(exampleIDs) != packed.Tokens.Rows || len(headerCounts) != packed.Tokens.Rows {
		return nil, fmt.Errorf("%w: %d packed rows, %d example ids, %d header counts",
			tensor.ErrShapeMismatch, packed.Tokens.Rows, len(exampleIDs), len(headerCounts))
	}
	rows := make([]PackedRow, packed.Tokens.Rows)
	for i := range rows {
		labels := packed.Segments.Row(i)
		segments := make([]int32, len(labels))
		for j, label := range labels {
			segments[j] = int32(label)
		}
		rows[i] = PackedRow{
			BatchID:     batchID,
			Row:         int32(i),
			ExampleID:   exampleIDs[i],
			Tokens:      append([]int64{}, packed.Tokens.Row(i)...),
			Segments:    segments,
			HeaderCount: int32(headerCounts[i]),
		}
	}
	return writeParquet(rows)
}

func DecodePackedBatch(data []byte) (PackedBatch, error) {
	rows, err := readParquet[PackedRow](data)
	if err != nil {
		return PackedBatch{}, err
	}
	if len(rows) == 0 {
		return PackedBatch{}, fmt.Errorf("packed batch file has no rows")
	}

	width := len(rows[0].Tokens)
	out := PackedBatch{
		BatchID:      rows[0].BatchID,
		ExampleIDs:   make([]int64, len(rows)),
		HeaderCounts: make([]int, len(rows)),
		Packed: packer.Packed{
			Tokens:   tensor.NewMatrix[int64](len(rows), width),
			Segments: tensor.NewMatrix[segment.Label](len(rows), width),
		},
	}
	for _, row := range rows {
		i := int(row.Row)
		if i < 0 || i >= len(rows) {
			return PackedBatch{}, fmt.Errorf("packed row index %d out of range", i)
		}
		if len(row.Tokens) != width || len(row.Segments) != width {
			return PackedBatch{}, fmt.Errorf("%w: packed row %d has %d tokens and %d segments, want %d",
				tensor.ErrShapeMismatch, i, len(row.Tokens), len(row.Segments), width)
		}
		out.ExampleIDs[i] = row.ExampleID
		out.HeaderCounts[i] = int(row.HeaderCount)
		copy(out.Packed.Tokens.Row(i), row.Tokens)
		labels := out.Packed.Segments.Row(i)
		for j, value := range row.Segments {
			label := segment.Label(value)
			if !label.Valid() {
				return PackedBatch{}, &segment.RowError{Example: i, Position: j, Reason: fmt.Sprintf("unknown segment label %d", value)}
			}
			labels[j] = label
		}
	}
	return out, nil
}

func writeParquet[T any](rows []T) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func readParquet[T any](data []byte) ([]T, error) {
	reader := parquet.NewGenericReader[T](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]T, reader.NumRows())
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows[:count], nil
}
