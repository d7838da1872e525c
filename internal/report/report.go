// Package report renders the end-of-job report and delivers it by email.
// Rendering and delivery are separate so the reporter can retry delivery
// without rebuilding the context, and so tests can assert on rendered output
// without a mail server.
package report

import (
	_ "embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

//go:embed templates/report.txt.tmpl
var textTemplateSrc string

//go:embed templates/report.html.tmpl
var htmlTemplateSrc string

// ExportLine is one remote task as shown in the report.
type ExportLine struct {
	Name   string
	State  string
	TaskID string
	Path   string
	Error  string
}

// TableGroup groups the table exports by their destination path bucket.
type TableGroup struct {
	Frequency string
	Exports   []ExportLine
}

// CollectionCount summarizes one upstream collection at snapshot time.
type CollectionCount struct {
	Path   string
	Images int
}

// WebsiteInfo carries the website-stage outcome, when the stage ran.
type WebsiteInfo struct {
	Status   string
	PRNumber int64
	PRURL    string
}

// Context is everything the templates consume. Built by the reporter from
// the job row, its exports, the upstream snapshot and the website update.
type Context struct {
	JobID      string
	JobStatus  string
	CreatedAt  time.Time
	FinishedAt time.Time
	Timezone   string

	ImageStatus   string
	StatsStatus   string
	WebsiteStatus string

	Errors []string

	ImageExports []ExportLine
	TableGroups  []TableGroup
	Snapshot     []CollectionCount
	Website      *WebsiteInfo
}

// Subject builds the message subject. The job status is always part of it so
// operators can triage from the inbox list alone.
func (c *Context) Subject() string {
	return fmt.Sprintf("Snow pipeline run %s: %s",
		c.CreatedAt.Format("2006-01-02"), c.JobStatus)
}

var templateFuncs = map[string]any{
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05 MST")
	},
}

var (
	textTmpl = texttemplate.Must(
		texttemplate.New("report").Funcs(templateFuncs).Parse(textTemplateSrc))
	htmlTmpl = htmltemplate.Must(
		htmltemplate.New("report").Funcs(templateFuncs).Parse(htmlTemplateSrc))
)

// Render produces the plain-text and HTML bodies of the report.
func Render(ctx *Context) (text, html string, err error) {
	var tb strings.Builder
	if err := textTmpl.Execute(&tb, ctx); err != nil {
		return "", "", fmt.Errorf("report: rendering text body: %w", err)
	}

	var hb strings.Builder
	if err := htmlTmpl.Execute(&hb, ctx); err != nil {
		return "", "", fmt.Errorf("report: rendering html body: %w", err)
	}
	return tb.String(), hb.String(), nil
}
