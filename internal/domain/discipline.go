package domain

import "strings"

// Discipline is the normalized sport category used for session matching.
type Discipline string

const (
	DisciplineRun   Discipline = "RUN"
	DisciplineBike  Discipline = "BIKE"
	DisciplineSwim  Discipline = "SWIM"
	DisciplineOther Discipline = "OTHER"
)

// ClassifyDiscipline maps a provider sport/type string onto a Discipline.
// Providers are inconsistent ("Run", "TrailRun", "VirtualRide", ...), so
// classification is by substring rather than an exact catalog.
func ClassifyDiscipline(sport string) Discipline {
	s := strings.ToLower(sport)
	switch {
	case strings.Contains(s, "run"):
		return DisciplineRun
	case strings.Contains(s, "ride"), strings.Contains(s, "bike"):
		return DisciplineBike
	case strings.Contains(s, "swim"):
		return DisciplineSwim
	default:
		return DisciplineOther
	}
}
