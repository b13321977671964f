// Package content produces the text of report sections. A Planner decides
// which sections a report has; a Producer fills one section at a time and
// may fail transiently, in which case the pipeline retries and eventually
// substitutes Fallback.
package content

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

// SectionRequest asks a producer for one section.
type SectionRequest struct {
	Key     string
	Title   string
	Index   int
	Total   int
	Subject domain.Subject
}

// Producer generates section text.
type Producer interface {
	Generate(ctx context.Context, req SectionRequest) (string, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, req SectionRequest) (string, error)

func (f ProducerFunc) Generate(ctx context.Context, req SectionRequest) (string, error) {
	return f(ctx, req)
}

// ErrPermanent marks producer failures that a retry cannot fix.
var ErrPermanent = errors.New("content: permanent failure")

// Retryable reports whether a producer error is worth another attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent) && !errors.Is(err, context.Canceled)
}

// Planner lays out the sections of a report: an overview, one section per
// period, and an outlook.
type Planner struct {
	Periods int
	Locale  language.Tag
}

// NewPlanner returns a planner for n periods with English titles.
func NewPlanner(periods int) Planner {
	if periods < 1 {
		periods = 1
	}
	return Planner{Periods: periods, Locale: language.English}
}

// Plan returns the ordered, empty sections for subject.
func (p Planner) Plan(subject domain.Subject) []domain.Section {
	titler := cases.Title(p.Locale)
	name := strings.TrimSpace(subject["name"])

	sections := make([]domain.Section, 0, p.Periods+2)
	overview := "overview"
	if name != "" {
		overview = "overview for " + name
	}
	sections = append(sections, domain.Section{Key: "overview", Title: titler.String(overview)})
	for i := 1; i <= p.Periods; i++ {
		sections = append(sections, domain.Section{
			Key:   "period-" + strconv.Itoa(i),
			Title: titler.String(fmt.Sprintf("period %d", i)),
		})
	}
	sections = append(sections, domain.Section{Key: "outlook", Title: titler.String("outlook")})
	for i := range sections {
		sections[i].Index = i
	}
	return sections
}

// Request builds the producer request for a planned section.
func Request(s domain.Section, total int, subject domain.Subject) SectionRequest {
	return SectionRequest{Key: s.Key, Title: s.Title, Index: s.Index, Total: total, Subject: subject}
}

// Fallback is the documented placeholder used when a section could not be
// generated after all retries.
func Fallback(s domain.Section) string {
	return fmt.Sprintf("The %s section is temporarily unavailable. It will be included in a regenerated copy of this report at no extra cost.", strings.ToLower(s.Title))
}
