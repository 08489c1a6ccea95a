package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

// defaultDigestLimit bounds the digest handed to the reasoning strategy.
// Large clusters produce kubectl output far beyond any model context.
const defaultDigestLimit = 24_000

const truncationMarker = "\n... [truncated]"

// Summarize renders an observation as a bounded plain-text digest. Sections
// appear in a stable order, each under its own header, and each section
// gets an equal share of the byte budget. Failed sections are reported
// rather than omitted so the strategy knows its view is partial.
func Summarize(obs models.Observation, limit int) string {
	if limit <= 0 {
		limit = defaultDigestLimit
	}

	sections := make([]models.Section, 0, len(obs.Sections))
	for section := range obs.Sections {
		sections = append(sections, section)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i] < sections[j] })

	failures := make(map[models.Section]string, len(obs.PartialFailures))
	for _, f := range obs.PartialFailures {
		failures[f.Section] = f.Reason
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cluster observation for target %q", obs.Target)
	if obs.Namespace != "" {
		fmt.Fprintf(&b, " namespace %q", obs.Namespace)
	}
	fmt.Fprintf(&b, " at %s\n", obs.Timestamp.Format("2006-01-02T15:04:05Z07:00"))

	perSection := limit
	if len(sections) > 0 {
		perSection = limit / len(sections)
	}

	for _, section := range sections {
		fmt.Fprintf(&b, "\n=== %s ===\n", section)
		if reason, failed := failures[section]; failed {
			fmt.Fprintf(&b, "(collection failed: %s)\n", reason)
			continue
		}
		text := strings.TrimSpace(obs.Sections[section])
		if text == "" {
			b.WriteString("(empty)\n")
			continue
		}
		b.WriteString(truncate(text, perSection))
		b.WriteString("\n")
	}
	return b.String()
}

// truncate cuts text to at most limit bytes at a line boundary and appends
// a marker so the reader knows content was dropped.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
		cut = cut[:idx]
	}
	return cut + truncationMarker
}
