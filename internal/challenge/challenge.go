// Package challenge holds the ordered flag table and decides whether a
// submitted flag solves a player's current step.
package challenge

import (
	"errors"
	"fmt"
	"strings"
)

var ErrCompleted = errors.New("already completed")
var ErrInvalidFlag = errors.New("invalid flag")
var ErrAlreadyCaptured = errors.New("flag already captured")
var ErrInvalidStep = errors.New("invalid step")

// Level is one challenge: the flag that proves it was solved and the points it awards.
type Level struct {
	Step   int    `json:"step"`
	Flag   string `json:"flag"`
	Points int    `json:"points"`
}

// Capture is the outcome of an accepted submission.
type Capture struct {
	Step      int
	Flag      string
	Points    int
	NextStep  int
	Completed bool
}

// Table is the immutable step -> flag/points mapping. Steps are 1-indexed.
type Table struct {
	levels []Level
}

func NewTable(levels []Level) (Table, error) {
	if len(levels) == 0 {
		return Table{}, errors.New("challenge table is empty")
	}

	ordered := make([]Level, len(levels))
	seenFlags := make(map[string]int, len(levels))
	for _, lvl := range levels {
		if lvl.Step < 1 || lvl.Step > len(levels) {
			return Table{}, fmt.Errorf("step %d out of range 1..%d", lvl.Step, len(levels))
		}
		if ordered[lvl.Step-1].Step != 0 {
			return Table{}, fmt.Errorf("step %d defined twice", lvl.Step)
		}

		flag := strings.TrimSpace(lvl.Flag)
		if flag == "" {
			return Table{}, fmt.Errorf("step %d has an empty flag", lvl.Step)
		}
		if prev, ok := seenFlags[flag]; ok {
			return Table{}, fmt.Errorf("steps %d and %d share a flag", prev, lvl.Step)
		}
		if lvl.Points < 0 {
			return Table{}, fmt.Errorf("step %d has negative points", lvl.Step)
		}

		seenFlags[flag] = lvl.Step
		ordered[lvl.Step-1] = Level{Step: lvl.Step, Flag: flag, Points: lvl.Points}
	}

	// Earlier steps never award less than later ones.
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Points > ordered[i-1].Points {
			return Table{}, fmt.Errorf("step %d awards more points than step %d", i+1, i)
		}
	}

	return Table{levels: ordered}, nil
}

// Levels is the number of challenges N. A player has finished once their step is N+1.
func (t Table) Levels() int { return len(t.levels) }

// Points returns the award for step, or 0 if the step does not exist.
func (t Table) Points(step int) int {
	if step < 1 || step > len(t.levels) {
		return 0
	}
	return t.levels[step-1].Points
}

// Validate checks submitted against the flag expected at currentStep.
// It never has side effects; rejecting is always safe to retry.
func (t Table) Validate(currentStep int, submitted string) (Capture, error) {
	if currentStep > len(t.levels) {
		return Capture{}, ErrCompleted
	}
	if currentStep < 1 {
		return Capture{}, ErrInvalidStep
	}

	text := strings.TrimSpace(submitted)
	expected := t.levels[currentStep-1]

	if text != expected.Flag {
		if capturedEarlier(t.levels[:currentStep-1], text) {
			return Capture{}, ErrAlreadyCaptured
		}
		return Capture{}, ErrInvalidFlag
	}

	next := currentStep + 1
	return Capture{
		Step:      currentStep,
		Flag:      text,
		Points:    expected.Points,
		NextStep:  next,
		Completed: next > len(t.levels),
	}, nil
}

func capturedEarlier(solved []Level, text string) bool {
	for _, lvl := range solved {
		if lvl.Flag == text {
			return true
		}
	}
	return false
}
