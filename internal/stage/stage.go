package stage

import "fmt"

// ParseError reports a value outside one of the closed enums.
type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Value)
}

// Stage is the pipeline position of a request. The set is closed: anything
// else is a parse error, never a fallback value.
type Stage string

const (
	InTreatment Stage = "in_treatment"
	OnHold      Stage = "on_hold"
	Estimation  Stage = "estimation"
	Ready       Stage = "ready"
)

// All lists every stage in pipeline order.
func All() []Stage {
	return []Stage{InTreatment, OnHold, Estimation, Ready}
}

// Parse validates a raw stage string.
func Parse(s string) (Stage, error) {
	switch Stage(s) {
	case InTreatment, OnHold, Estimation, Ready:
		return Stage(s), nil
	}
	return "", &ParseError{Kind: "stage", Value: s}
}

func (s Stage) String() string { return string(s) }

// edges is the legal transition set. estimation -> ready additionally
// requires story points (enforced by the pipeline engine, not here), and
// ready -> estimation clears the recorded estimate.
var edges = map[Stage][]Stage{
	InTreatment: {OnHold, Estimation},
	OnHold:      {InTreatment, Estimation},
	Estimation:  {OnHold, Ready},
	Ready:       {Estimation},
}

// CanTransition reports whether from -> to is a legal edge. There are no
// self edges.
func CanTransition(from, to Stage) bool {
	for _, t := range edges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Targets returns the legal targets from a stage.
func Targets(from Stage) []Stage {
	out := make([]Stage, len(edges[from]))
	copy(out, edges[from])
	return out
}

// Confidence is the estimation confidence level.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func ParseConfidence(s string) (Confidence, error) {
	switch Confidence(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return Confidence(s), nil
	}
	return "", &ParseError{Kind: "confidence", Value: s}
}

// RequestType categorizes an intake request.
type RequestType string

const (
	TypeBug           RequestType = "bug"
	TypeFeature       RequestType = "feature"
	TypeEnhancement   RequestType = "enhancement"
	TypeChangeRequest RequestType = "change_request"
	TypeSupport       RequestType = "support"
	TypeOther         RequestType = "other"
)

func ParseRequestType(s string) (RequestType, error) {
	switch RequestType(s) {
	case TypeBug, TypeFeature, TypeEnhancement, TypeChangeRequest, TypeSupport, TypeOther:
		return RequestType(s), nil
	}
	return "", &ParseError{Kind: "request type", Value: s}
}

// Priority mirrors ticket priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(s), nil
	}
	return "", &ParseError{Kind: "priority", Value: s}
}

// Destination is what a ready request converts into.
type Destination string

const (
	DestinationProject Destination = "project"
	DestinationTicket  Destination = "ticket"
)

func ParseDestination(s string) (Destination, error) {
	switch Destination(s) {
	case DestinationProject, DestinationTicket:
		return Destination(s), nil
	}
	return "", &ParseError{Kind: "destination", Value: s}
}
