package content

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TemplateProducer builds section text locally from the subject fields. It
// never fails unless the context is done.
type TemplateProducer struct {
	locale language.Tag
}

// NewTemplateProducer returns a producer that capitalizes subject values
// for the given locale.
func NewTemplateProducer(locale language.Tag) *TemplateProducer {
	return &TemplateProducer{locale: locale}
}

func (p *TemplateProducer) Generate(ctx context.Context, req SectionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// A Caser is stateful; sections are generated concurrently.
	name := cases.Title(p.locale).String(strings.TrimSpace(req.Subject["name"]))
	if name == "" {
		name = "The subject"
	}

	var b strings.Builder
	switch {
	case req.Key == "overview":
		fmt.Fprintf(&b, "%s is profiled across %d periods.", name, req.Total-2)
		if keys := otherFields(req.Subject); len(keys) > 0 {
			b.WriteString(" Inputs considered:")
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%s;", k, req.Subject[k])
			}
		}
	case req.Key == "outlook":
		fmt.Fprintf(&b, "Looking ahead, %s should revisit these findings after the next period closes.", name)
	default:
		fmt.Fprintf(&b, "%s, section %d of %d: highlights and recommended actions for this period.", req.Title, req.Index+1, req.Total)
	}
	return b.String(), nil
}

func otherFields(s map[string]string) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		if k != "name" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
