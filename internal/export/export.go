// Package export renders generated artifacts as CSV or JSON.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"caseline/internal/domain"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType is the media type served for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/json"
}

// Item is one work item with its artifacts. Items in every status are
// exported, including stale and failed ones.
type Item struct {
	JobID     string                     `json:"job_id"`
	JobName   string                     `json:"job_name"`
	WorkItem  domain.WorkItem            `json:"work_item"`
	Artifacts []domain.GeneratedArtifact `json:"artifacts"`
}

var csvHeader = []string{
	"job_id", "job_name", "work_item_id", "external_key", "status", "failure_reason",
	"artifact_id", "kind", "summary", "generated_by", "modified_by", "linked_to",
	"category", "framework", "clause", "details",
}

func Write(w io.Writer, f Format, items []Item) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, items)
	case FormatJSON:
		if items == nil {
			items = []Item{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

func writeCSV(w io.Writer, items []Item) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, it := range items {
		base := []string{
			it.JobID, it.JobName, it.WorkItem.ID, it.WorkItem.ExternalKey,
			string(it.WorkItem.Status), it.WorkItem.FailureReason,
		}
		if len(it.Artifacts) == 0 {
			if err := cw.Write(append(base, make([]string, len(csvHeader)-len(base))...)); err != nil {
				return err
			}
			continue
		}
		for _, a := range it.Artifacts {
			category, framework, clause := variantColumns(a.Description)
			row := append(append([]string{}, base...),
				a.ID, string(a.Description.Kind()), a.Summary, string(a.GeneratedBy), a.ModifiedBy, a.LinkedTo,
				category, framework, clause, domain.PlainText(a.Description),
			)
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func variantColumns(d domain.ArtifactDescription) (category, framework, clause string) {
	switch v := d.(type) {
	case domain.FunctionalDescription:
		return "", "", ""
	case domain.NonFunctionalDescription:
		return v.Category, "", ""
	case domain.ComplianceDescription:
		return "", string(v.Framework), v.Clause
	default:
		panic(fmt.Sprintf("export: unknown artifact description %T", d))
	}
}
