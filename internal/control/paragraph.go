package control

import (
	"fmt"
	"strings"
)

// Paragraph is a single control-file stanza: an ordered sequence of
// Field/Value pairs. Field lookups are case-sensitive, matching the exact
// capitalization Debian control files use (e.g. "Package", not "package").
type Paragraph struct {
	order  []string
	values map[string]string
}

// NewParagraph returns an empty, ready-to-use Paragraph.
func NewParagraph() *Paragraph {
	return &Paragraph{values: make(map[string]string)}
}

// Get returns the value of field, or "" if absent.
func (p *Paragraph) Get(field string) string {
	if p == nil {
		return ""
	}
	return p.values[field]
}

// Has reports whether field is present.
func (p *Paragraph) Has(field string) bool {
	if p == nil {
		return false
	}
	_, ok := p.values[field]
	return ok
}

// Set assigns value to field, appending it to the encoding order the
// first time it is seen.
func (p *Paragraph) Set(field, value string) {
	if _, ok := p.values[field]; !ok {
		p.order = append(p.order, field)
	}
	p.values[field] = value
}

// Fields returns the field names in the order they were parsed or set.
func (p *Paragraph) Fields() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// GetList splits a comma-separated field into trimmed, non-empty entries.
func (p *Paragraph) GetList(field string) []string {
	return SplitList(p.Get(field))
}

// SplitList splits a Debian comma-separated list field into trimmed
// entries, dropping empty entries produced by trailing commas or blank
// input.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Encode renders the paragraph back to control-file syntax, field order
// preserved, folding multi-line values onto continuation lines that begin
// with a single space.
func (p *Paragraph) Encode() string {
	var b strings.Builder
	for _, field := range p.order {
		value := p.values[field]
		lines := strings.Split(value, "\n")
		fmt.Fprintf(&b, "%s: %s\n", field, lines[0])
		for _, line := range lines[1:] {
			if line == "" {
				b.WriteString(" .\n")
			} else {
				fmt.Fprintf(&b, " %s\n", line)
			}
		}
	}
	return b.String()
}

// ParseParagraphs splits data into stanzas separated by one or more blank
// lines and parses each into a Paragraph.
func ParseParagraphs(data string) ([]*Paragraph, error) {
	var paragraphs []*Paragraph
	for _, stanza := range splitStanzas(data) {
		if strings.TrimSpace(stanza) == "" {
			continue
		}
		p, err := ParseParagraph(stanza)
		if err != nil {
			return nil, err
		}
		paragraphs = append(paragraphs, p)
	}
	return paragraphs, nil
}

func splitStanzas(data string) []string {
	data = strings.ReplaceAll(data, "\r\n", "\n")
	var stanzas []string
	var cur strings.Builder
	blank := true
	for _, line := range strings.Split(data, "\n") {
		if strings.TrimSpace(line) == "" {
			if !blank {
				stanzas = append(stanzas, cur.String())
				cur.Reset()
				blank = true
			}
			continue
		}
		blank = false
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if !blank {
		stanzas = append(stanzas, cur.String())
	}
	return stanzas
}

// ParseParagraph parses a single stanza (no blank lines within it) into a
// Paragraph. A continuation line is any line beginning with whitespace; it
// extends the value of the most recently seen field. A continuation line
// consisting of a single "." folds to a blank line in the field's value,
// per Debian's Description-field convention.
func ParseParagraph(stanza string) (*Paragraph, error) {
	p := NewParagraph()
	var lastField string
	for _, line := range strings.Split(stanza, "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastField == "" {
				return nil, fmt.Errorf("control: continuation line with no preceding field: %q", line)
			}
			cont := strings.TrimPrefix(line, " ")
			cont = strings.TrimPrefix(cont, "\t")
			if cont == "." {
				cont = ""
			}
			p.values[lastField] = p.values[lastField] + "\n" + cont
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			return nil, fmt.Errorf("control: malformed field line: %q", line)
		}
		field := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if field == "" {
			return nil, fmt.Errorf("control: empty field name in line: %q", line)
		}
		p.Set(field, value)
		lastField = field
	}
	return p, nil
}
