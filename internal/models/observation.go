package models

import "time"

// Section enumerates observation categories collected from the cluster.
type Section string

const (
	SectionNodes  Section = "nodes"
	SectionPods   Section = "pods"
	SectionEvents Section = "events"
)

// DefaultSections is the capture set used when none is configured.
var DefaultSections = []Section{SectionNodes, SectionPods, SectionEvents}

// Observation is an immutable snapshot of cluster state for one target.
// Sections that failed to collect are listed in PartialFailures and appear
// in Sections with an empty value.
type Observation struct {
	Target          string
	Namespace       string
	Timestamp       time.Time
	Sections        map[Section]string
	PartialFailures []SectionFailure
}

// SectionFailure records a single section that could not be captured.
type SectionFailure struct {
	Section Section
	Reason  string
}

// Complete reports whether every requested section was captured.
func (o Observation) Complete() bool {
	return len(o.PartialFailures) == 0
}

// Empty reports whether the observation carries no usable text at all.
func (o Observation) Empty() bool {
	for _, text := range o.Sections {
		if text != "" {
			return false
		}
	}
	return true
}
