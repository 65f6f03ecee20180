package pricing

import (
	"fmt"
	"strings"
)

// Note is one structured reasoning entry. Delta carries the numeric change
// the note is about, when there is one.
type Note struct {
	Stage Stage    `json:"stage"`
	Text  string   `json:"text"`
	Delta *float64 `json:"delta,omitempty"`
}

// Notes is the append-only reasoning trail of a recommendation.
type Notes []Note

// Add returns n with a new note appended.
func (n Notes) Add(stage Stage, text string, delta *float64) Notes {
	return append(n, Note{Stage: stage, Text: text, Delta: copyFloat(delta)})
}

// ByStage returns the notes written by stage, in order.
func (n Notes) ByStage(stage Stage) Notes {
	var out Notes
	for _, note := range n {
		if note.Stage == stage {
			out = append(out, note)
		}
	}
	return out
}

// Render flattens the notes into display text, one line per note.
func (n Notes) Render() string {
	var b strings.Builder
	for i, note := range n {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(note.Stage)), note.Text)
		if note.Delta != nil {
			fmt.Fprintf(&b, " (%+.2f)", *note.Delta)
		}
	}
	return b.String()
}

func (n Notes) clone() Notes {
	if n == nil {
		return nil
	}
	out := make(Notes, len(n))
	for i, note := range n {
		out[i] = Note{Stage: note.Stage, Text: note.Text, Delta: copyFloat(note.Delta)}
	}
	return out
}
