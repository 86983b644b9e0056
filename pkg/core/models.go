package core

import (
	"fmt"
	"strings"
	"time"
)

// Level is the coarse bucket shared by message priority and context relevance.
// Lower ordinal means more urgent / more relevant.
type Level int

const (
	LevelCritical Level = iota
	LevelHigh
	LevelMedium
	LevelLow
	LevelBackground
)

var levelNames = [...]string{"CRITICAL", "HIGH", "MEDIUM", "LOW", "BACKGROUND"}

// Levels lists every level from most to least relevant.
func Levels() []Level {
	return []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow, LevelBackground}
}

func (l Level) String() string {
	if l < LevelCritical || l > LevelBackground {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the five defined levels.
func (l Level) Valid() bool {
	return l >= LevelCritical && l <= LevelBackground
}

// MoreRelevantThan reports whether l ranks strictly above other.
func (l Level) MoreRelevantThan(other Level) bool {
	return l < other
}

// ParseLevel accepts the level name in any case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelMedium, fmt.Errorf("unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Clock returns the current time. Components accept one so tests can control expiry.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time {
	return time.Now()
}

// Clamp01 restricts v to [0, 1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
