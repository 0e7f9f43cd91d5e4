// Package dataset holds tokenized NL2SQL examples and turns them into the
// batches the sketch model consumes.
package dataset

import (
	"fmt"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/sketch"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

// Example is one tokenized question together with the tokenized headers of
// its table. Token rows carry no padding.
type Example struct {
	ID             int64
	QuestionTokens []int64
	HeaderTokens   [][]int64
}

func (e Example) Validate() error {
	for j, token := range e.QuestionTokens {
		if token < 0 {
			return fmt.Errorf("example %d: question token %d is negative", e.ID, j)
		}
	}
	for h, header := range e.HeaderTokens {
		if len(header) == 0 {
			return fmt.Errorf("example %d: header %d has no tokens", e.ID, h)
		}
		if header[len(header)-1] == vocab.SourcePad {
			return fmt.Errorf("example %d: header %d ends with the pad id", e.ID, h)
		}
		for j, token := range header {
			if token < 0 {
				return fmt.Errorf("example %d: header %d token %d is negative", e.ID, h, j)
			}
		}
	}
	return nil
}

// Collate right-pads questions and headers into matrices. Header rows of all
// examples are stacked example-major, and HeaderCounts records how many rows
// each example owns.
func Collate(examples []Example) (sketch.Batch, error) {
	questions := make([][]int64, len(examples))
	counts := make([]int, len(examples))
	var headers [][]int64
	for i, example := range examples {
		if err := example.Validate(); err != nil {
			return sketch.Batch{}, err
		}
		questions[i] = example.QuestionTokens
		counts[i] = len(example.HeaderTokens)
		headers = append(headers, example.HeaderTokens...)
	}
	return sketch.Batch{
		Questions:    tensor.PadRows(questions, vocab.SourcePad),
		Headers:      tensor.PadRows(headers, vocab.SourcePad),
		HeaderCounts: counts,
	}, nil
}

// IDs returns the example ids in order.
func IDs(examples []Example) []int64 {
	ids := make([]int64, len(examples))
	for i, example := range examples {
		ids[i] = example.ID
	}
	return ids
}
