// Package render turns generated sections into the downloadable report.
package render

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

// Input is everything needed to finalize one report.
type Input struct {
	JobID       string
	Subject     domain.Subject
	Sections    []domain.Section
	Amount      int64 // minor units paid, 0 when unpaid
	Currency    string
	Degraded    bool
	GeneratedAt time.Time
}

// Renderer finalizes a report and returns a handle the client can fetch.
type Renderer interface {
	Render(ctx context.Context, in Input) (string, error)
}

// ErrInvalidName is returned by Open for names outside the report namespace.
var ErrInvalidName = errors.New("render: invalid report name")

var nameRE = regexp.MustCompile(`^[A-Za-z0-9-]+\.html$`)

// zero-decimal currencies; everything else uses two minor digits.
var zeroDecimal = map[string]bool{"jpy": true, "krw": true, "vnd": true, "clp": true}

// FormatAmount renders minor units as a display amount, e.g. 10000 usd ->
// "100.00 USD".
func FormatAmount(minor int64, currency string) string {
	cur := strings.ToLower(currency)
	places := int32(2)
	if zeroDecimal[cur] {
		places = 0
	}
	d := decimal.NewFromInt(minor).Shift(-places)
	return d.StringFixed(places) + " " + strings.ToUpper(cur)
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">Generated {{.GeneratedAt}}{{if .Paid}} · Paid {{.Paid}}{{end}}</p>
{{if .Degraded}}<p class="notice">Some sections could not be generated and contain placeholder text.</p>{{end}}
{{range .Sections}}<section id="{{.Key}}"{{if .Fallback}} class="fallback"{{end}}>
<h2>{{.Title}}</h2>
<p>{{.Content}}</p>
</section>
{{end}}</body>
</html>
`))

type pageData struct {
	Title       string
	GeneratedAt string
	Paid        string
	Degraded    bool
	Sections    []domain.Section
}

// FileRenderer writes HTML reports into a directory and returns a handle
// under a public base path, e.g. "/api/v1/reports/<job>.html".
type FileRenderer struct {
	dir        string
	publicBase string
}

var _ Renderer = (*FileRenderer)(nil)

// NewFileRenderer creates dir if needed.
func NewFileRenderer(dir, publicBase string) (*FileRenderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("render: create output dir: %w", err)
	}
	return &FileRenderer{dir: dir, publicBase: strings.TrimRight(publicBase, "/")}, nil
}

// Render writes the report atomically: a temp file renamed into place, so a
// reader never sees a partial document.
func (r *FileRenderer) Render(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if in.JobID == "" || len(in.Sections) == 0 {
		return "", errors.New("render: job id and sections are required")
	}
	name := in.JobID + ".html"
	if !nameRE.MatchString(name) {
		return "", ErrInvalidName
	}

	title := "Report"
	if n := strings.TrimSpace(in.Subject["name"]); n != "" {
		title = "Report for " + n
	}
	data := pageData{
		Title:       title,
		GeneratedAt: in.GeneratedAt.UTC().Format(time.RFC1123),
		Degraded:    in.Degraded,
		Sections:    in.Sections,
	}
	if in.Amount > 0 {
		data.Paid = FormatAmount(in.Amount, in.Currency)
	}

	tmp, err := os.CreateTemp(r.dir, ".render-*")
	if err != nil {
		return "", fmt.Errorf("render: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := page.Execute(tmp, data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("render: execute template: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("render: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.dir, name)); err != nil {
		return "", fmt.Errorf("render: publish: %w", err)
	}
	return r.publicBase + "/" + name, nil
}

// Open returns the local path of a rendered report by its public name.
func (r *FileRenderer) Open(name string) (string, error) {
	if !nameRE.MatchString(name) {
		return "", ErrInvalidName
	}
	p := filepath.Join(r.dir, name)
	if _, err := os.Stat(p); err != nil {
		return "", err
	}
	return p, nil
}
