// Package chunker splits text into overlapping fragments for embedding.
package chunker

import (
	"errors"
	"fmt"
)

const (
	// DefaultSize is the fragment length in characters used when the
	// caller does not configure one.
	DefaultSize = 1200

	// DefaultOverlap is the number of characters each fragment shares
	// with its predecessor.
	DefaultOverlap = 150
)

// ErrInvalidArgument is returned for unusable split parameters.
var ErrInvalidArgument = errors.New("chunker: invalid argument")

// Fragment is one contiguous slice of the input text.
type Fragment struct {
	Seq  int
	Text string
}

// Split cuts text into fragments of at most size characters, each
// overlapping the previous one by overlap characters. Fragments cover
// the whole input with no gaps, the last fragment ends exactly at the
// end of the input, and the same input always yields the same sequence.
// An empty input yields a single empty fragment. Character positions
// are rune positions, not byte offsets.
func Split(text string, size, overlap int) ([]Fragment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidArgument, size)
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return []Fragment{{Seq: 0, Text: ""}}, nil
	}

	step := size - overlap
	fragments := make([]Fragment, 0, len(runes)/step+1)

	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}

		fragments = append(fragments, Fragment{
			Seq:  len(fragments),
			Text: string(runes[start:end]),
		})

		// The fragment that reaches the end of the input is the last
		// one, even if a further overlapping window would still fit.
		if end == len(runes) {
			break
		}
	}

	return fragments, nil
}
