package dhis

import (
	"encoding/json"
	"fmt"
)

// ImportStats is the canonical counter tuple every destination-side
// report shape normalizes to.
type ImportStats struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Ignored   int      `json:"ignored"`
	Deleted   int      `json:"deleted"`
	Errors    int      `json:"errors"`
	Warnings  int      `json:"warnings"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Add accumulates another report into this one
func (s *ImportStats) Add(other ImportStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Ignored += other.Ignored
	s.Deleted += other.Deleted
	s.Errors += other.Errors
	s.Warnings += other.Warnings
	s.Conflicts = append(s.Conflicts, other.Conflicts...)
}

// ImportReport is the sum of the two metadata report shapes the
// destination may return: the legacy importSummary form and the modern
// typeReports form. Exactly one side is populated after parsing.
type ImportReport struct {
	Legacy *legacyImportSummary
	Modern []typeReport
	Status string
}

type importCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Ignored  int `json:"ignored"`
	Deleted  int `json:"deleted"`
}

type conflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

type legacyImportSummary struct {
	ImportCount importCount `json:"importCount"`
	Conflicts   []conflict  `json:"conflicts"`
	Description string      `json:"description"`
}

type typeReportStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Ignored int `json:"ignored"`
	Deleted int `json:"deleted"`
}

type errorReport struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

type objectReport struct {
	ErrorReports []errorReport `json:"errorReports"`
}

type typeReport struct {
	Klass         string          `json:"klass"`
	Stats         typeReportStats `json:"stats"`
	ObjectReports []objectReport  `json:"objectReports"`
}

// reportEnvelope matches both shapes; the payload may sit at the top
// level or nested under "response" depending on server version.
type reportEnvelope struct {
	Status   string `json:"status"`
	Response *struct {
		Status        string               `json:"status"`
		ImportSummary *legacyImportSummary `json:"importSummary"`
		ImportCount   *importCount         `json:"importCount"`
		Conflicts     []conflict           `json:"conflicts"`
		TypeReports   []typeReport         `json:"typeReports"`
	} `json:"response"`
	ImportSummary *legacyImportSummary `json:"importSummary"`
	ImportCount   *importCount         `json:"importCount"`
	Conflicts     []conflict           `json:"conflicts"`
	TypeReports   []typeReport         `json:"typeReports"`
}

// ParseImportReport decodes a metadata or data-value import response
// into the ImportReport sum type.
func ParseImportReport(raw []byte) (*ImportReport, error) {
	var env reportEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode import report: %w", err)
	}

	report := &ImportReport{Status: env.Status}
	if env.Response != nil && env.Response.Status != "" {
		report.Status = env.Response.Status
	}

	// Modern shape first: typeReports at either level
	if len(env.TypeReports) > 0 {
		report.Modern = env.TypeReports
		return report, nil
	}
	if env.Response != nil && len(env.Response.TypeReports) > 0 {
		report.Modern = env.Response.TypeReports
		return report, nil
	}

	// Legacy shape: importSummary, or a bare importCount with conflicts
	if env.ImportSummary != nil {
		report.Legacy = env.ImportSummary
		return report, nil
	}
	if env.Response != nil && env.Response.ImportSummary != nil {
		report.Legacy = env.Response.ImportSummary
		return report, nil
	}
	if env.ImportCount != nil {
		report.Legacy = &legacyImportSummary{ImportCount: *env.ImportCount, Conflicts: env.Conflicts}
		return report, nil
	}
	if env.Response != nil && env.Response.ImportCount != nil {
		report.Legacy = &legacyImportSummary{ImportCount: *env.Response.ImportCount, Conflicts: env.Response.Conflicts}
		return report, nil
	}

	// Neither shape present; an empty report is still a report
	return report, nil
}

// Stats normalizes either shape to the canonical counter tuple
func (r *ImportReport) Stats() ImportStats {
	var stats ImportStats

	switch {
	case r.Modern != nil:
		for _, tr := range r.Modern {
			stats.Created += tr.Stats.Created
			stats.Updated += tr.Stats.Updated
			stats.Ignored += tr.Stats.Ignored
			stats.Deleted += tr.Stats.Deleted
			for _, or := range tr.ObjectReports {
				for _, er := range or.ErrorReports {
					stats.Errors++
					stats.Conflicts = append(stats.Conflicts, er.Message)
				}
			}
		}
	case r.Legacy != nil:
		stats.Created = r.Legacy.ImportCount.Imported
		stats.Updated = r.Legacy.ImportCount.Updated
		stats.Ignored = r.Legacy.ImportCount.Ignored
		stats.Deleted = r.Legacy.ImportCount.Deleted
		for _, c := range r.Legacy.Conflicts {
			stats.Errors++
			stats.Conflicts = append(stats.Conflicts, fmt.Sprintf("%s: %s", c.Object, c.Value))
		}
	}

	if r.Status == "ERROR" && stats.Errors == 0 {
		stats.Errors = 1
	}
	return stats
}

// TrackerReport is the bundle report of the modern tracker endpoint
type TrackerReport struct {
	BundleReport struct {
		TypeReportMap map[string]struct {
			Stats typeReportStats `json:"stats"`
		} `json:"typeReportMap"`
	} `json:"bundleReport"`
	Status string `json:"status"`
}

// TypeStats extracts the counters for one bundle type
// (TRACKED_ENTITY, ENROLLMENT, EVENT).
func (t *TrackerReport) TypeStats(bundleType string) ImportStats {
	tr, ok := t.BundleReport.TypeReportMap[bundleType]
	if !ok {
		return ImportStats{}
	}
	return ImportStats{
		Created: tr.Stats.Created,
		Updated: tr.Stats.Updated,
		Ignored: tr.Stats.Ignored,
		Deleted: tr.Stats.Deleted,
	}
}
