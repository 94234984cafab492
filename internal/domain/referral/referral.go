package referral

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/hivstatus/internal/domain/hivstatus"
)

// ErrInvalidReferralCode is returned when a computed code is not in the
// vocabulary. Reporting an unknown clinical code is never acceptable.
var ErrInvalidReferralCode = errors.New("invalid referral code")

// Referral codes.
const (
	TestHIV             = "TST-HIV"
	TestCD4             = "TST-CD4"
	SMCUnknown          = "SMC-UNK"
	SMCMaybeUnknown     = "SMC?UNK"
	SMCNegative         = "SMC-NEG"
	SMCMaybeNegative    = "SMC?NEG"
	UnknownPregnant     = "UNK?-PR"
	NegativePregnant    = "NEG!-PR"
	KnownPosAntenatal   = "POS#-AN"
	NewPosPregnant      = "POS!-PR"
	KnownPosPregnant    = "POS#-PR"
	NewPosHighCD4       = "POS!-HI"
	KnownPosHighCD4     = "POS#-HI"
	NewPosLowCD4        = "POS!-LO"
	KnownPosLowCD4      = "POS#-LO"
	MASAContinuedCare   = "MASA-CC"
	MASADefaulter       = "MASA-DF"
	cd4Threshold        = 350
	codeSeparator       = ","
	genderMale          = "M"
	genderFemale        = "F"
	indeterminateResult = hivstatus.IND
)

// DefaultVocabulary lists every referral code the clinic system accepts.
func DefaultVocabulary() []string {
	return []string{
		TestHIV, TestCD4, SMCUnknown, SMCMaybeUnknown, SMCNegative, SMCMaybeNegative,
		UnknownPregnant, NegativePregnant, KnownPosAntenatal, NewPosPregnant, KnownPosPregnant,
		NewPosHighCD4, KnownPosHighCD4, NewPosLowCD4, KnownPosLowCD4, MASAContinuedCare, MASADefaulter,
	}
}

var urgentCodes = map[string]bool{
	MASADefaulter:    true,
	NewPosLowCD4:     true,
	KnownPosLowCD4:   true,
	KnownPosPregnant: true,
	NewPosPregnant:   true,
}

var smcCodes = map[string]bool{
	SMCNegative:      true,
	SMCMaybeNegative: true,
	SMCUnknown:       true,
	SMCMaybeUnknown:  true,
}

// Facts are the clinical facts besides HIV status that drive the referral.
// Nil pointers mean the fact was not collected.
type Facts struct {
	Gender      string `json:"gender"`
	Pregnant    *bool  `json:"pregnant,omitempty"`
	Circumcised *bool  `json:"circumcised,omitempty"`
	OnART       *bool  `json:"on_art,omitempty"`
	CD4         *int   `json:"cd4,omitempty"`
	Defaulter   bool   `json:"defaulter,omitempty"`
	// Annual marks a follow-up survey visit rather than baseline.
	Annual bool `json:"annual,omitempty"`
	// Intervention marks a community in the intervention arm.
	Intervention bool `json:"intervention,omitempty"`
}

// Status is the part of a resolved HIV status the referral rules read.
type Status interface {
	Result() hivstatus.Result
	NewlyPositive() bool
}

// Referral is the computed referral for one subject visit.
type Referral struct {
	Codes  []string `json:"codes"`
	Code   string   `json:"code"`
	Urgent bool     `json:"urgent"`
}

// Evaluator computes referral codes against a fixed vocabulary.
type Evaluator struct {
	vocabulary map[string]bool
}

func NewEvaluator(vocabulary []string) *Evaluator {
	v := make(map[string]bool, len(vocabulary))
	for _, code := range vocabulary {
		v[code] = true
	}
	return &Evaluator{vocabulary: v}
}

// Evaluate returns the referral for st and f.
func (e *Evaluator) Evaluate(st Status, f Facts) (Referral, error) {
	codes := dedupeSorted(rawCodes(st.Result(), st.NewlyPositive(), f))
	for _, code := range codes {
		if !e.vocabulary[code] {
			return Referral{}, fmt.Errorf("%w: %q", ErrInvalidReferralCode, code)
		}
	}
	if f.Annual && !f.Intervention {
		codes = withoutSMC(codes)
	}

	ref := Referral{Codes: codes, Code: strings.Join(codes, codeSeparator)}
	for _, code := range codes {
		if urgentCodes[code] {
			ref.Urgent = true
			break
		}
	}
	return ref, nil
}

func rawCodes(result hivstatus.Result, newlyPositive bool, f Facts) []string {
	pregnant := isTrue(f.Pregnant)
	onART := isTrue(f.OnART)

	switch {
	case !result.HasValue():
		switch {
		case f.Gender == genderMale && isTrue(f.Circumcised):
			return []string{TestHIV}
		case f.Gender == genderMale && f.Circumcised != nil:
			return []string{SMCUnknown}
		case f.Gender == genderMale:
			return []string{SMCMaybeUnknown}
		case pregnant:
			return []string{UnknownPregnant}
		}
		return []string{TestHIV}

	case result.Is(indeterminateResult):
		return nil

	case result.Is(hivstatus.NEG):
		switch {
		case f.Gender == genderFemale && pregnant:
			return []string{NegativePregnant}
		case f.Gender == genderMale && isFalse(f.Circumcised):
			return []string{SMCNegative}
		case f.Gender == genderMale && f.Circumcised == nil:
			return []string{SMCMaybeNegative}
		}
		return nil

	case result.Is(hivstatus.POS):
		return positiveCodes(newlyPositive, pregnant, onART, f)
	}
	return []string{TestHIV}
}

func positiveCodes(newlyPositive, pregnant, onART bool, f Facts) []string {
	switch {
	case f.Gender == genderFemale && pregnant && onART:
		return []string{KnownPosAntenatal}
	case f.Gender == genderFemale && pregnant:
		return []string{pick(newlyPositive, NewPosPregnant, KnownPosPregnant)}
	case !onART:
		switch {
		// A zero count is treated as no usable CD4 result.
		case f.CD4 == nil || *f.CD4 == 0:
			return []string{TestCD4}
		case *f.CD4 > cd4Threshold:
			return []string{pick(newlyPositive, NewPosHighCD4, KnownPosHighCD4)}
		}
		return []string{pick(newlyPositive, NewPosLowCD4, KnownPosLowCD4)}
	}

	code := MASAContinuedCare
	switch {
	case f.Defaulter:
		code = MASADefaulter
	case pregnant:
		code = KnownPosAntenatal
	}
	// Continued care is only referred at baseline.
	if code == MASAContinuedCare && f.Annual {
		return nil
	}
	return []string{code}
}

func pick(newlyPositive bool, newCode, knownCode string) string {
	if newlyPositive {
		return newCode
	}
	return knownCode
}

func dedupeSorted(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

func withoutSMC(codes []string) []string {
	out := codes[:0:0]
	for _, code := range codes {
		if !smcCodes[code] {
			out = append(out, code)
		}
	}
	return out
}

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }
