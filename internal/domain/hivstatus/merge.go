package hivstatus

import "time"

// Merge combines the four sources into one result. First match wins:
//  1. any tested value
//  2. documented POS
//  3. indirect POS
//  4. verbal POS when includeVerbal, unless documented or indirect holds any value
//
// Otherwise the result is empty. Pure, no I/O.
func Merge(tested, documented, indirect, verbal Result, includeVerbal bool) Result {
	switch {
	case tested.HasValue():
		return tested
	case documented.Is(POS):
		return documented
	case indirect.Is(POS):
		return indirect
	case verbal.Is(POS) && includeVerbal:
		if documented.HasValue() || indirect.HasValue() {
			return Result{}
		}
		return verbal
	}
	return Result{}
}

// mergePair merges two results where newer plays the tested role.
func mergePair(newer, older Result) Result {
	return Merge(newer, older, Result{}, Result{}, false)
}

// reconcileDocumented folds the previous tested result into documented:
// whichever of the two is more recent by calendar date wins, documented on a
// tie. A missing documented timestamp loses to a dated previous result.
func reconcileDocumented(documented, previous Result, loc *time.Location) Result {
	switch {
	case documented.HasValue() && previous.HasValue():
		if laterDate(previous, documented, loc) {
			return mergePair(previous, documented)
		}
		return mergePair(documented, previous)
	case previous.HasValue():
		return previous
	}
	return documented
}

func laterDate(a, b Result, loc *time.Location) bool {
	ad, aok := a.Date(loc)
	bd, bok := b.Date(loc)
	switch {
	case aok && bok:
		return ad.After(bd)
	case aok:
		return true
	}
	return false
}

// NewlyPositive reports a tested POS that is not corroborated by earlier
// documentation: documented and indirect are both empty, or documented is NEG.
func NewlyPositive(tested, documented, indirect Result) bool {
	if !tested.Is(POS) {
		return false
	}
	return (!documented.HasValue() && !indirect.HasValue()) || documented.Is(NEG)
}

type codeMatch int

const (
	matchAny codeMatch = iota
	matchAbsent
	matchPOS
	matchNEG
)

func (m codeMatch) matches(r Result) bool {
	switch m {
	case matchAbsent:
		return !r.HasValue()
	case matchPOS:
		return r.Is(POS)
	case matchNEG:
		return r.Is(NEG)
	}
	return true
}

type awarenessRule struct {
	documented, indirect, tested codeMatch
	aware                        bool
}

// awarenessRules is evaluated top to bottom; the first matching row wins.
var awarenessRules = []awarenessRule{
	{documented: matchAbsent, indirect: matchPOS, tested: matchPOS, aware: true},
	{documented: matchPOS, indirect: matchAbsent, tested: matchPOS, aware: true},
	{documented: matchNEG, indirect: matchAbsent, tested: matchNEG, aware: true},
	{documented: matchNEG, indirect: matchAbsent, tested: matchPOS, aware: false},
	{documented: matchPOS, indirect: matchAbsent, tested: matchNEG, aware: false},
	{documented: matchAbsent, indirect: matchPOS, tested: matchNEG, aware: false},
	{documented: matchPOS, indirect: matchAny, tested: matchAny, aware: true},
	{documented: matchAbsent, indirect: matchPOS, tested: matchAny, aware: true},
}

// SubjectAware reports whether documented or indirect evidence shows the
// subject already knows their status.
func SubjectAware(tested, documented, indirect Result) bool {
	for _, rule := range awarenessRules {
		if rule.documented.matches(documented) && rule.indirect.matches(indirect) && rule.tested.matches(tested) {
			return rule.aware
		}
	}
	return false
}
