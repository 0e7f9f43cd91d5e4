package segment

import (
	"errors"
	"strings"
	"testing"
)

func TestScanRowRecoversHeaderRuns(t *testing.T) {
	row := []Label{CLS, Header, Header, Header, SEP, Header, SEP, Question, Question, Question, Question, Pad}
	layout, err := ScanRow(0, row)
	if err != nil {
		t.Fatalf("ScanRow() error = %v", err)
	}
	if len(layout.Headers) != 2 {
		t.Fatalf("len(Headers) = %d", len(layout.Headers))
	}
	if layout.Headers[0] != (Run{Start: 1, End: 4}) || layout.Headers[1] != (Run{Start: 5, End: 6}) {
		t.Fatalf("Headers = %+v", layout.Headers)
	}
	if layout.Question != (Run{Start: 7, End: 11}) {
		t.Fatalf("Question = %+v", layout.Question)
	}
	if layout.Used != 11 {
		t.Fatalf("Used = %d", layout.Used)
	}
}

func TestScanRowWithoutHeadersOrQuestion(t *testing.T) {
	layout, err := ScanRow(3, []Label{CLS, Pad, Pad})
	if err != nil {
		t.Fatalf("ScanRow() error = %v", err)
	}
	if len(layout.Headers) != 0 {
		t.Fatalf("Headers = %+v", layout.Headers)
	}
	if layout.Question.Len() != 0 {
		t.Fatalf("Question = %+v", layout.Question)
	}
}

func TestScanRowRejectsMalformedRows(t *testing.T) {
	cases := []struct {
		name     string
		row      []Label
		position int
		reason   string
	}{
		{name: "empty", row: nil, position: 0, reason: "empty row"},
		{name: "question before cls", row: []Label{Question, CLS}, position: 0, reason: "want CLS"},
		{name: "second cls", row: []Label{CLS, Question, CLS}, position: 2, reason: "CLS marker"},
		{name: "empty header", row: []Label{CLS, SEP, Question}, position: 1, reason: "header run is empty"},
		{name: "double sep", row: []Label{CLS, Header, SEP, SEP}, position: 3, reason: "header run is empty"},
		{name: "header closed by question", row: []Label{CLS, Header, Question}, position: 2, reason: "want SEP"},
		{name: "header closed by pad", row: []Label{CLS, Header, Pad}, position: 2, reason: "want SEP"},
		{name: "header at row end", row: []Label{CLS, Header, Header}, position: 3, reason: "without SEP"},
		{name: "header after question", row: []Label{CLS, Question, Header, SEP}, position: 2, reason: "HEADER after QUESTION"},
		{name: "content after pad", row: []Label{CLS, Pad, Question}, position: 2, reason: "after padding"},
		{name: "unknown label", row: []Label{CLS, Label(9)}, position: 1, reason: "unknown label"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ScanRow(5, tc.row)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("ScanRow() error = %v, want ErrMalformed", err)
			}
			var rowErr *RowError
			if !errors.As(err, &rowErr) {
				t.Fatalf("error %T is not *RowError", err)
			}
			if rowErr.Example != 5 || rowErr.Position != tc.position {
				t.Fatalf("RowError = %+v", rowErr)
			}
			if !strings.Contains(rowErr.Reason, tc.reason) {
				t.Fatalf("Reason = %q, want substring %q", rowErr.Reason, tc.reason)
			}
		})
	}
}

func TestScanReportsOffendingExample(t *testing.T) {
	m := Matrix{Rows: 2, Cols: 3, Data: []Label{CLS, Question, Pad, CLS, Header, Pad}}
	_, err := Scan(m)
	var rowErr *RowError
	if !errors.As(err, &rowErr) || rowErr.Example != 1 {
		t.Fatalf("Scan() error = %v", err)
	}
}

func TestHeaderCounts(t *testing.T) {
	m := Matrix{Rows: 2, Cols: 5, Data: []Label{
		CLS, Header, SEP, Header, SEP,
		CLS, Question, Pad, Pad, Pad,
	}}
	layouts, err := Scan(m)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	counts := HeaderCounts(layouts)
	if counts[0] != 2 || counts[1] != 0 {
		t.Fatalf("HeaderCounts() = %v", counts)
	}
}

func TestLabelString(t *testing.T) {
	if Header.String() != "HEADER" || Label(7).String() != "Label(7)" {
		t.Fatalf("String() = %q / %q", Header.String(), Label(7).String())
	}
}

func TestLabelValidCoversDefinedLabelsOnly(t *testing.T) {
	for _, l := range []Label{Pad, Question, Header, CLS, SEP} {
		if !l.Valid() {
			t.Fatalf("%v.Valid() = false", l)
		}
	}
	for _, l := range []Label{-1, SEP + 1, Label(9)} {
		if l.Valid() {
			t.Fatalf("%v.Valid() = true", l)
		}
	}
}
