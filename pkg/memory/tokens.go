package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EstimateTokens approximates the token cost of a value as the mean of
// words*1.3 and characters/4. Every element costs at least one token.
func EstimateTokens(v any) int {
	text := render(v)
	words := float64(len(strings.Fields(text)))
	chars := float64(utf8.RuneCountInString(text))
	n := int(math.Round((words*1.3 + chars/4) / 2))
	if n < 1 {
		return 1
	}
	return n
}

// render turns an opaque value into the text used for token estimates,
// summaries and term indexing.
func render(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

const minTermLength = 3

// terms splits text into lowercase index terms, dropping short words.
func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) < minTermLength || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
