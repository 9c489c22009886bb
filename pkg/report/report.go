// Package report renders run reports as JSON and HTML artifacts.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
)

// Input is everything a report is rendered from.
type Input struct {
	Run         *model.ScanRun
	Target      *model.Target
	Node        *model.Node
	Findings    []*model.Finding
	Snapshot    *model.RiskSnapshot
	Comparisons []*model.ScanComparison
	GeneratedAt time.Time
}

// Document is the JSON report layout.
type Document struct {
	ID          string         `json:"id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Run         RunSummary     `json:"run"`
	Target      TargetSummary  `json:"target"`
	RiskScore   float64        `json:"risk_score"`
	Counts      map[string]int `json:"counts_by_severity"`
	Changes     *Changes       `json:"changes,omitempty"`
	Findings    []FindingEntry `json:"findings"`
}

// Changes summarizes the comparison with the previous completed run.
type Changes struct {
	New       int     `json:"new"`
	Resolved  int     `json:"resolved"`
	Changed   int     `json:"changed"`
	RiskDelta float64 `json:"risk_delta"`
}

// RunSummary describes the run a report belongs to.
type RunSummary struct {
	ID         int64      `json:"id"`
	JobID      int64      `json:"job_id"`
	Node       string     `json:"node,omitempty"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TargetSummary describes the scanned target.
type TargetSummary struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// FindingEntry is one open finding in the report.
type FindingEntry struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Severity    string `json:"severity"`
	Confidence  string `json:"confidence"`
	PluginID    string `json:"plugin_id"`
	Instances   int    `json:"instances"`
	CWEID       string `json:"cwe_id,omitempty"`
	Description string `json:"description,omitempty"`
	Solution    string `json:"solution,omitempty"`
	FirstSeen   string `json:"first_seen"`
}

// Renderer produces report artifacts. It is safe for concurrent use.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer creates a Renderer with the built-in HTML layout.
func NewRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("report").Parse(htmlLayout))}
}

// Generate renders in into a report linked to the run. The report ID is a
// fresh UUID.
func (r *Renderer) Generate(ctx context.Context, in *Input) (*model.Report, error) {
	if in.Run == nil || in.Target == nil {
		return nil, fmt.Errorf("report input needs a run and a target")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := Build(uuid.NewString(), in)

	jsonBody, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	var html bytes.Buffer
	if err := r.tmpl.Execute(&html, doc); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	return &model.Report{
		ID:        doc.ID,
		RunID:     in.Run.ID,
		JSON:      jsonBody,
		HTML:      html.Bytes(),
		CreatedAt: doc.GeneratedAt,
	}, nil
}

// Build assembles the report document. Findings are ordered by severity,
// most severe first, then by title.
func Build(id string, in *Input) *Document {
	generated := in.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}

	doc := &Document{
		ID:          id,
		GeneratedAt: generated,
		Run: RunSummary{
			ID:         in.Run.ID,
			JobID:      in.Run.JobID,
			Status:     string(in.Run.Status),
			StartedAt:  in.Run.StartedAt,
			FinishedAt: in.Run.FinishedAt,
		},
		Target: TargetSummary{ID: in.Target.ID, Name: in.Target.Name, BaseURL: in.Target.BaseURL},
	}
	if in.Node != nil {
		doc.Run.Node = in.Node.Name
	}

	var counts severity.Counts
	findings := make([]*model.Finding, 0, len(in.Findings))
	for _, f := range in.Findings {
		if f.Status != model.FindingOpen {
			continue
		}
		findings = append(findings, f)
		counts.Increment(f.Severity)
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity.IsHigherThan(findings[j].Severity)
		}
		return findings[i].Title < findings[j].Title
	})

	doc.Findings = make([]FindingEntry, 0, len(findings))
	for _, f := range findings {
		doc.Findings = append(doc.Findings, FindingEntry{
			ID:          f.ID,
			Title:       f.Title,
			Severity:    string(f.Severity),
			Confidence:  string(f.Confidence),
			PluginID:    f.PluginID,
			Instances:   f.InstancesCount,
			CWEID:       f.CWEID,
			Description: f.Description,
			Solution:    f.Solution,
			FirstSeen:   f.FirstSeen.Format(time.RFC3339),
		})
	}

	doc.Counts = counts.Map()
	if in.Snapshot != nil {
		doc.RiskScore = in.Snapshot.Score
	}

	for _, c := range in.Comparisons {
		if c.AssetID == nil {
			doc.Changes = &Changes{
				New:       c.Summary.New,
				Resolved:  c.Summary.Resolved,
				Changed:   c.Summary.Changed,
				RiskDelta: c.RiskDelta,
			}
			break
		}
	}
	return doc
}

const htmlLayout = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Scan report: {{.Target.Name}} run #{{.Run.ID}}</title>
<style>
body{font-family:sans-serif;margin:2em;color:#222}
table{border-collapse:collapse;width:100%}
th,td{border:1px solid #ccc;padding:4px 8px;text-align:left;vertical-align:top}
.High{color:#b00020}.Medium{color:#c56a00}.Low{color:#8a7a00}.Info{color:#555}
</style>
</head>
<body>
<h1>{{.Target.Name}}</h1>
<p>{{.Target.BaseURL}}</p>
<p>Run #{{.Run.ID}} ({{.Run.Status}}){{if .Run.Node}} on {{.Run.Node}}{{end}}, generated {{.GeneratedAt.Format "2006-01-02 15:04 MST"}}</p>
<h2>Risk score: {{printf "%.2f" .RiskScore}}</h2>
<ul>
<li class="High">High: {{index .Counts "High"}}</li>
<li class="Medium">Medium: {{index .Counts "Medium"}}</li>
<li class="Low">Low: {{index .Counts "Low"}}</li>
<li class="Info">Info: {{index .Counts "Info"}}</li>
</ul>
{{with .Changes}}<p>Since the previous run: {{.New}} new, {{.Resolved}} resolved, {{.Changed}} changed, risk delta {{printf "%+.2f" .RiskDelta}}.</p>{{end}}
<h2>Open findings ({{len .Findings}})</h2>
{{if .Findings}}<table>
<tr><th>Severity</th><th>Title</th><th>Confidence</th><th>Plugin</th><th>Instances</th><th>Solution</th></tr>
{{range .Findings}}<tr>
<td class="{{.Severity}}">{{.Severity}}</td>
<td>{{.Title}}{{if .CWEID}} (CWE-{{.CWEID}}){{end}}</td>
<td>{{.Confidence}}</td>
<td>{{.PluginID}}</td>
<td>{{.Instances}}</td>
<td>{{.Solution}}</td>
</tr>
{{end}}</table>{{else}}<p>No open findings.</p>{{end}}
</body>
</html>
`
