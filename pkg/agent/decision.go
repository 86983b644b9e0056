package agent

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/boristopalov/quorum/pkg/core"
)

var ErrNoDecision = errors.New("response has no DECISION line")

// Decision is a parsed model answer.
type Decision struct {
	Action     string
	Confidence float64
	Reason     string
}

// DecisionKey makes decisions with the same action compare equal regardless
// of confidence or reasoning.
func (d Decision) DecisionKey() string {
	return strings.ToLower(d.Action)
}

func (d Decision) String() string {
	if d.Reason == "" {
		return fmt.Sprintf("%s (confidence %.2f)", d.Action, d.Confidence)
	}
	return fmt.Sprintf("%s (confidence %.2f): %s", d.Action, d.Confidence, d.Reason)
}

// ParseDecision reads "DECISION:", "CONFIDENCE:" and "REASON:" lines in any
// case. A missing or unreadable confidence becomes 0.5.
func ParseDecision(text string) (Decision, error) {
	d := Decision{Confidence: 0.5}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimLeft(sc.Text(), "*-# "))
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "*")
		switch strings.ToUpper(strings.Trim(name, "* ")) {
		case "DECISION":
			if d.Action == "" {
				d.Action = strings.TrimSpace(value)
			}
		case "CONFIDENCE":
			if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				d.Confidence = core.Clamp01(f)
			}
		case "REASON":
			d.Reason = strings.TrimSpace(value)
		}
	}
	if d.Action == "" {
		return Decision{}, ErrNoDecision
	}
	return d, nil
}
