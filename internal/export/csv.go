// Package export renders coordination data as CSV files and situation
// reports for offline distribution and dashboard ingestion.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/types"
)

// Resources lists the exportable resource names, in route order.
var Resources = []string{
	"entities", "incidents", "assessments", "responses", "commitments", "conflicts",
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func writeAll(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Entities writes entity rows as CSV.
func Entities(w io.Writer, rows []types.Entity) error {
	out := make([][]string, 0, len(rows))
	for _, e := range rows {
		out = append(out, []string{
			e.ID, e.Name, string(e.Kind), e.Region, e.Zone,
			strconv.FormatFloat(e.Latitude, 'f', -1, 64),
			strconv.FormatFloat(e.Longitude, 'f', -1, 64),
			strconv.FormatInt(e.Population, 10),
			e.Status,
			strconv.FormatInt(e.Version, 10),
			formatTime(e.UpdatedAt),
		})
	}
	return writeAll(w,
		[]string{"id", "name", "kind", "region", "zone", "latitude", "longitude", "population", "status", "version", "updated_at"},
		out)
}

// Incidents writes incident rows as CSV.
func Incidents(w io.Writer, rows []types.Incident) error {
	out := make([][]string, 0, len(rows))
	for _, in := range rows {
		out = append(out, []string{
			in.ID, in.Name, in.Kind, string(in.Severity), in.Status,
			formatTime(in.DeclaredAt),
			strconv.FormatInt(in.Version, 10),
			formatTime(in.UpdatedAt),
		})
	}
	return writeAll(w,
		[]string{"id", "name", "kind", "severity", "status", "declared_at", "version", "updated_at"},
		out)
}

// Assessments writes assessment rows as CSV. The discipline-specific data
// payload is included verbatim as a JSON column.
func Assessments(w io.Writer, rows []types.Assessment) error {
	out := make([][]string, 0, len(rows))
	for _, a := range rows {
		out = append(out, []string{
			a.ID, string(a.Kind), a.EntityID, a.IncidentID, a.AssessorID,
			a.Status, string(a.Data), a.VerifiedBy, formatTimePtr(a.VerifiedAt),
			strconv.FormatInt(a.Version, 10),
			formatTime(a.UpdatedAt),
		})
	}
	return writeAll(w,
		[]string{"id", "kind", "entity_id", "incident_id", "assessor_id", "status", "data", "verified_by", "verified_at", "version", "updated_at"},
		out)
}

// Responses writes response rows as CSV.
func Responses(w io.Writer, rows []types.Response) error {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{
			r.ID, r.EntityID, r.IncidentID, r.AssessmentID, r.ResponderID,
			r.Kind, r.Status, string(r.Items),
			formatTime(r.PlannedAt), formatTimePtr(r.DeliveredAt),
			strconv.FormatInt(r.Version, 10),
			formatTime(r.UpdatedAt),
		})
	}
	return writeAll(w,
		[]string{"id", "entity_id", "incident_id", "assessment_id", "responder_id", "kind", "status", "items", "planned_at", "delivered_at", "version", "updated_at"},
		out)
}

// Commitments writes commitment rows as CSV.
func Commitments(w io.Writer, rows []types.Commitment) error {
	out := make([][]string, 0, len(rows))
	for _, c := range rows {
		out = append(out, []string{
			c.ID, c.DonorID, c.EntityID, c.ResponseID, c.Kind,
			strconv.FormatFloat(c.Quantity, 'f', -1, 64), c.Unit, c.Status,
			formatTime(c.PledgedAt), formatTimePtr(c.DeliveredAt),
			strconv.FormatInt(c.Version, 10),
			formatTime(c.UpdatedAt),
		})
	}
	return writeAll(w,
		[]string{"id", "donor_id", "entity_id", "response_id", "kind", "quantity", "unit", "status", "pledged_at", "delivered_at", "version", "updated_at"},
		out)
}

// Conflicts writes conflict rows as CSV. Payload columns are omitted; the
// JSON API serves full payloads for review tooling.
func Conflicts(w io.Writer, rows []sitrepsync.Conflict) error {
	out := make([][]string, 0, len(rows))
	for _, c := range rows {
		out = append(out, []string{
			c.ID, string(c.Kind), c.RecordID, c.MutationID,
			strconv.FormatInt(c.BaseVersion, 10),
			strconv.FormatInt(c.ServerVersion, 10),
			c.Strategy, c.Resolution,
			strconv.FormatBool(c.Resolved), c.ResolvedBy,
			formatTime(c.DetectedAt), formatTimePtr(c.ResolvedAt),
		})
	}
	return writeAll(w,
		[]string{"id", "kind", "record_id", "mutation_id", "base_version", "server_version", "strategy", "resolution", "resolved", "resolved_by", "detected_at", "resolved_at"},
		out)
}
