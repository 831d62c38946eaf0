package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TestResult is the aggregate outcome of a test.
type TestResult int

const (
	TestResultUnknown TestResult = iota
	TestResultSucceeded
	TestResultFailed
	TestResultSkipped
)

var testResultNames = map[TestResult]string{
	TestResultUnknown:   "UNKNOWN",
	TestResultSucceeded: "SUCCEEDED",
	TestResultFailed:    "FAILED",
	TestResultSkipped:   "SKIPPED",
}

func (r TestResult) String() string {
	if name, ok := testResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("TestResult(%d)", int(r))
}

func (r TestResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *TestResult) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for k, n := range testResultNames {
		if n == name {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown test result %q", name)
}

// VerificationResult is an immutable record of free-text descriptors for the
// three criteria of a test.
type VerificationResult struct {
	Precondition string `json:"precondition"`
	Failure      string `json:"failure"`
	Success      string `json:"success"`
}

// KPValue is a Kleene-Priest truth value.
type KPValue int

const (
	KPUnknown KPValue = iota
	KPTrue
	KPFalse
)

func (v KPValue) String() string {
	switch v {
	case KPTrue:
		return "TRUE"
	case KPFalse:
		return "FALSE"
	default:
		return "UNKNOWN"
	}
}

// ParseKP reads a descriptor as a truth value. Empty and "UNKNOWN" map to
// KPUnknown, "FALSE" to KPFalse, any other non-empty descriptor to KPTrue.
func ParseKP(descriptor string) KPValue {
	switch strings.ToUpper(strings.TrimSpace(descriptor)) {
	case "", "UNKNOWN":
		return KPUnknown
	case "FALSE":
		return KPFalse
	default:
		return KPTrue
	}
}

// Or is the Kleene-Priest disjunction.
func (v KPValue) Or(o KPValue) KPValue {
	if v == KPTrue || o == KPTrue {
		return KPTrue
	}
	if v == KPUnknown || o == KPUnknown {
		return KPUnknown
	}
	return KPFalse
}

// Not is the Kleene-Priest negation.
func (v KPValue) Not() KPValue {
	switch v {
	case KPTrue:
		return KPFalse
	case KPFalse:
		return KPTrue
	default:
		return KPUnknown
	}
}
