package export

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/hyperengineering/sitrep/internal/types"
)

// Situation is the aggregate behind a situation report. The same struct is
// served as JSON for dashboards and rendered to markdown for distribution.
type Situation struct {
	GeneratedAt      time.Time         `json:"generated_at"`
	Incident         *types.Incident   `json:"incident,omitempty"`
	Coverage         []Coverage        `json:"coverage"`
	ResponseTotals   map[string]int    `json:"response_totals"`
	CommitmentTotals []CommitmentTotal `json:"commitment_totals"`
	OpenConflicts    int64             `json:"open_conflicts"`
}

// Coverage summarizes which assessment disciplines an entity has reports for.
// Only submitted and verified assessments count; drafts are invisible here.
type Coverage struct {
	EntityID   string   `json:"entity_id"`
	EntityName string   `json:"entity_name"`
	Region     string   `json:"region"`
	Population int64    `json:"population"`
	Assessed   []string `json:"assessed"`
	Missing    []string `json:"missing"`
}

// CommitmentTotal aggregates commitments by kind and unit. Cancelled
// commitments are excluded.
type CommitmentTotal struct {
	Kind      string  `json:"kind"`
	Unit      string  `json:"unit"`
	Pledged   float64 `json:"pledged"`
	Delivered float64 `json:"delivered"`
}

// BuildSituation assembles a situation report from already-filtered inputs.
// Callers scope entities/assessments/responses/commitments to the incident
// before calling.
func BuildSituation(incident *types.Incident, entities []types.Entity, assessments []types.Assessment, responses []types.Response, commitments []types.Commitment, openConflicts int64, now time.Time) *Situation {
	byEntity := make(map[string]map[string]bool)
	for _, a := range assessments {
		if a.Status != types.AssessmentSubmitted && a.Status != types.AssessmentVerified {
			continue
		}
		if byEntity[a.EntityID] == nil {
			byEntity[a.EntityID] = make(map[string]bool)
		}
		byEntity[a.EntityID][string(a.Kind)] = true
	}

	coverage := make([]Coverage, 0, len(entities))
	for _, e := range entities {
		cov := Coverage{
			EntityID:   e.ID,
			EntityName: e.Name,
			Region:     e.Region,
			Population: e.Population,
			Assessed:   []string{},
			Missing:    []string{},
		}
		for _, kind := range types.AssessmentKinds {
			if byEntity[e.ID][string(kind)] {
				cov.Assessed = append(cov.Assessed, string(kind))
			} else {
				cov.Missing = append(cov.Missing, string(kind))
			}
		}
		coverage = append(coverage, cov)
	}

	respTotals := make(map[string]int)
	for _, r := range responses {
		respTotals[r.Status]++
	}

	totals := make(map[string]*CommitmentTotal)
	for _, c := range commitments {
		if c.Status == types.CommitmentCancelled {
			continue
		}
		key := c.Kind + "/" + c.Unit
		tot, ok := totals[key]
		if !ok {
			tot = &CommitmentTotal{Kind: c.Kind, Unit: c.Unit}
			totals[key] = tot
		}
		tot.Pledged += c.Quantity
		if c.Status == types.CommitmentDelivered {
			tot.Delivered += c.Quantity
		}
	}
	commitTotals := make([]CommitmentTotal, 0, len(totals))
	for _, tot := range totals {
		commitTotals = append(commitTotals, *tot)
	}
	sort.Slice(commitTotals, func(i, j int) bool {
		if commitTotals[i].Kind != commitTotals[j].Kind {
			return commitTotals[i].Kind < commitTotals[j].Kind
		}
		return commitTotals[i].Unit < commitTotals[j].Unit
	})

	return &Situation{
		GeneratedAt:      now.UTC(),
		Incident:         incident,
		Coverage:         coverage,
		ResponseTotals:   respTotals,
		CommitmentTotals: commitTotals,
		OpenConflicts:    openConflicts,
	}
}

const situationTemplate = `# Situation Report{{if .Incident}}: {{.Incident.Name}}{{end}}

Generated: {{.GeneratedAt.Format "2006-01-02 15:04 UTC"}}
{{- if .Incident}}
Severity: {{.Incident.Severity}} | Status: {{.Incident.Status}} | Declared: {{.Incident.DeclaredAt.Format "2006-01-02"}}
{{- end}}

## Assessment coverage

{{if .Coverage -}}
| Entity | Region | Population | Assessed | Missing |
|---|---|---|---|---|
{{range .Coverage -}}
| {{.EntityName}} | {{.Region}} | {{.Population}} | {{join .Assessed ", "}} | {{join .Missing ", "}} |
{{end}}
{{- else -}}
No entities in scope.
{{end}}

## Responses

{{if .ResponseTotals -}}
{{range $status, $count := .ResponseTotals -}}
- {{$status}}: {{$count}}
{{end}}
{{- else -}}
No responses recorded.
{{end}}

## Commitments

{{if .CommitmentTotals -}}
| Kind | Unit | Pledged | Delivered |
|---|---|---|---|
{{range .CommitmentTotals -}}
| {{.Kind}} | {{.Unit}} | {{printf "%g" .Pledged}} | {{printf "%g" .Delivered}} |
{{end}}
{{- else -}}
No commitments recorded.
{{end}}

## Sync health

Open conflicts: {{.OpenConflicts}}
`

var situationTmpl = template.Must(template.New("situation").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(situationTemplate))

// Markdown renders the situation report as markdown text.
func (s *Situation) Markdown() ([]byte, error) {
	var buf bytes.Buffer
	if err := situationTmpl.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("render situation report: %w", err)
	}
	return buf.Bytes(), nil
}
