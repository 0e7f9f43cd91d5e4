// Package segment defines the per-position labels of a packed sequence and
// recovers sequence structure from them.
//
// A well-formed row reads CLS, then zero or more HEADER+ SEP groups, then
// QUESTION*, then PAD*. Labels are the only structural information that
// travels from the packer to the unpacker.
package segment

import (
	"errors"
	"fmt"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
)

// Label marks what a packed position holds.
type Label int8

const (
	Pad Label = iota
	Question
	Header
	CLS
	SEP
)

// ErrMalformed reports a label sequence that breaks the row grammar.
var ErrMalformed = errors.New("malformed segments")

func (l Label) String() string {
	switch l {
	case Pad:
		return "PAD"
	case Question:
		return "QUESTION"
	case Header:
		return "HEADER"
	case CLS:
		return "CLS"
	case SEP:
		return "SEP"
	default:
		return fmt.Sprintf("Label(%d)", int8(l))
	}
}

// Valid reports whether l is one of the five defined labels.
func (l Label) Valid() bool {
	return l >= Pad && l <= SEP
}

// Matrix is the segment tensor: one label per packed position.
type Matrix = tensor.Matrix[Label]

// RowError reports the example and position where a segment row stops
// making sense.
type RowError struct {
	Example  int
	Position int
	Reason   string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("example %d position %d: %s", e.Example, e.Position, e.Reason)
}

func (e *RowError) Unwrap() error {
	return ErrMalformed
}

// Run is the half-open span [Start, End) of one contiguous stretch of labels.
type Run struct {
	Start int
	End   int
}

func (r Run) Len() int {
	return r.End - r.Start
}

// Layout is the structure recovered from one segment row.
type Layout struct {
	Headers  []Run
	Question Run
	// Used counts the non-PAD positions of the row.
	Used int
}

type scanState uint8

const (
	notCollecting scanState = iota
	collecting
)

// scanner is the explicit state of the header run decoder. step never
// mutates its receiver; the caller threads the returned value forward.
type scanner struct {
	state scanState
	start int
	prev  Label
}

func (s scanner) step(pos int, label Label) (scanner, Run, bool, error) {
	if err := checkTransition(pos, s.prev, label); err != nil {
		return s, Run{}, false, err
	}
	next := s
	next.prev = label
	switch {
	case s.state == notCollecting && label == Header:
		next.state = collecting
		next.start = pos
	case s.state == collecting && label != Header:
		next.state = notCollecting
		return next, Run{Start: s.start, End: pos}, true, nil
	}
	return next, Run{}, false, nil
}

func checkTransition(pos int, prev, label Label) error {
	if !label.Valid() {
		return fmt.Errorf("unknown label %d", int8(label))
	}
	if pos == 0 {
		if label != CLS {
			return fmt.Errorf("row starts with %s, want CLS", label)
		}
		return nil
	}
	if prev == Pad && label != Pad {
		return fmt.Errorf("%s after padding", label)
	}
	switch label {
	case CLS:
		return errors.New("CLS marker after row start")
	case Header:
		if prev == Question {
			return errors.New("HEADER after QUESTION")
		}
	case SEP:
		if prev != Header {
			return fmt.Errorf("SEP after %s, header run is empty", prev)
		}
	case Question, Pad:
		if prev == Header {
			return fmt.Errorf("header run closed by %s, want SEP", label)
		}
	}
	return nil
}

// ScanRow decodes one row of labels. example is used only for error reports.
func ScanRow(example int, labels []Label) (Layout, error) {
	if len(labels) == 0 {
		return Layout{}, &RowError{Example: example, Position: 0, Reason: "empty row, want CLS"}
	}
	layout := Layout{Question: Run{Start: -1, End: -1}}
	var s scanner
	for pos, label := range labels {
		next, run, closed, err := s.step(pos, label)
		if err != nil {
			return Layout{}, &RowError{Example: example, Position: pos, Reason: err.Error()}
		}
		if closed {
			layout.Headers = append(layout.Headers, run)
		}
		if label == Question {
			if layout.Question.Start < 0 {
				layout.Question.Start = pos
			}
			layout.Question.End = pos + 1
		}
		if label != Pad {
			layout.Used = pos + 1
		}
		s = next
	}
	if s.state == collecting {
		return Layout{}, &RowError{
			Example:  example,
			Position: len(labels),
			Reason:   fmt.Sprintf("header run from %d reaches row end without SEP", s.start),
		}
	}
	if layout.Question.Start < 0 {
		layout.Question = Run{Start: layout.Used, End: layout.Used}
	}
	return layout, nil
}

// Scan decodes every row of a segment matrix.
func Scan(m Matrix) ([]Layout, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	layouts := make([]Layout, m.Rows)
	for i := range layouts {
		layout, err := ScanRow(i, m.Row(i))
		if err != nil {
			return nil, err
		}
		layouts[i] = layout
	}
	return layouts, nil
}

// HeaderCounts returns the number of header runs found in each row.
func HeaderCounts(layouts []Layout) []int {
	counts := make([]int, len(layouts))
	for i, layout := range layouts {
		counts[i] = len(layout.Headers)
	}
	return counts
}
