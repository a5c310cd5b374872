// Package grammar flags a handful of common learner mistakes in free text.
// Offsets are byte offsets into the analysed string.
package grammar

import (
	"regexp"
	"sort"
	"strings"
)

const (
	CategoryGrammar  = "grammar"
	CategorySpelling = "spelling"
)

type Annotation struct {
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
	Category   string `json:"category"`
}

var (
	reIIs      = regexp.MustCompile(`(?i)\bi is\b`)
	reHeGo     = regexp.MustCompile(`(?i)\bhe go\b|\bshe go\b`)
	reThereTwo = regexp.MustCompile(`(?i)\bthere\b.*\bthere\b`)
)

// Analyze returns the annotations for text in rule order. Each rule fires at
// most once and annotations may overlap.
func Analyze(text string) []Annotation {
	var out []Annotation

	if i := strings.Index(text, "dont"); i >= 0 {
		out = append(out, Annotation{
			Start:      i,
			End:        i + len("dont"),
			Message:    "Missing apostrophe in contraction",
			Suggestion: "don't",
			Category:   CategoryGrammar,
		})
	}

	if loc := reIIs.FindStringIndex(text); loc != nil {
		out = append(out, Annotation{
			Start:      loc[0],
			End:        loc[1],
			Message:    "Subject-verb agreement error",
			Suggestion: "I am",
			Category:   CategoryGrammar,
		})
	}

	if loc := reHeGo.FindStringIndex(text); loc != nil {
		subj, _, _ := strings.Cut(text[loc[0]:loc[1]], " ")
		out = append(out, Annotation{
			Start:      loc[0],
			End:        loc[1],
			Message:    "Missing verb conjugation",
			Suggestion: subj + " goes",
			Category:   CategoryGrammar,
		})
	}

	if reThereTwo.MatchString(text) && strings.Contains(text, "their") &&
		(strings.Contains(text, "own") || strings.Contains(text, "house")) {
		if i := strings.LastIndex(text, "there"); i >= 0 {
			out = append(out, Annotation{
				Start:      i,
				End:        i + len("there"),
				Message:    "Incorrect homophone usage",
				Suggestion: "their",
				Category:   CategorySpelling,
			})
		}
	}

	return out
}

// Segment is a run of text for display; Annotation is nil for plain runs.
type Segment struct {
	Text       string      `json:"text"`
	Annotation *Annotation `json:"annotation,omitempty"`
}

// Segments splits text into plain and highlighted runs. Annotations are
// applied in start order and clamped to what earlier ones left, so every byte
// appears in exactly one segment. Out-of-range spans are ignored.
func Segments(text string, anns []Annotation) []Segment {
	sorted := make([]Annotation, 0, len(anns))
	for _, a := range anns {
		if a.Start < 0 || a.End > len(text) || a.Start >= a.End {
			continue
		}
		sorted = append(sorted, a)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out []Segment
	cursor := 0
	for i := range sorted {
		a := sorted[i]
		start := max(a.Start, cursor)
		if start >= a.End {
			continue
		}
		if start > cursor {
			out = append(out, Segment{Text: text[cursor:start]})
		}
		out = append(out, Segment{Text: text[start:a.End], Annotation: &sorted[i]})
		cursor = a.End
	}
	if cursor < len(text) {
		out = append(out, Segment{Text: text[cursor:]})
	}
	return out
}
