package vocab

import "fmt"

// SourcePad is the padding sentinel of caller-supplied token rows.
const SourcePad int64 = 0

// Special holds the reserved token ids the packer emits.
type Special struct {
	Pad int64
	CLS int64
	SEP int64
}

// Default returns the ids of the uncased BERT vocabulary.
func Default() Special {
	return Special{Pad: 0, CLS: 101, SEP: 102}
}

func (s Special) Validate() error {
	if s.Pad < 0 || s.CLS < 0 || s.SEP < 0 {
		return fmt.Errorf("special token ids must be >= 0: pad=%d cls=%d sep=%d", s.Pad, s.CLS, s.SEP)
	}
	if s.CLS == SourcePad || s.SEP == SourcePad {
		return fmt.Errorf("cls and sep ids must differ from the source pad sentinel %d", SourcePad)
	}
	if s.CLS == s.SEP || s.CLS == s.Pad || s.SEP == s.Pad {
		return fmt.Errorf("special token ids must be distinct: pad=%d cls=%d sep=%d", s.Pad, s.CLS, s.SEP)
	}
	return nil
}
