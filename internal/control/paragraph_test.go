package control

import "testing"

func TestParseParagraph(t *testing.T) {
	stanza := `Package: my-pkg
Version: 1.2.3
Architecture: amd64
Depends: libc6, git
Description: A test package
 This is the extended description.
 .
 With a blank line above.
`
	p, err := ParseParagraph(stanza)
	if err != nil {
		t.Fatalf("ParseParagraph failed: %v", err)
	}
	if p.Get("Package") != "my-pkg" {
		t.Errorf("Package = %q", p.Get("Package"))
	}
	if got := p.GetList("Depends"); len(got) != 2 || got[0] != "libc6" || got[1] != "git" {
		t.Errorf("Depends = %v", got)
	}
	wantDesc := "A test package\nThis is the extended description.\n\nWith a blank line above."
	if p.Get("Description") != wantDesc {
		t.Errorf("Description = %q, want %q", p.Get("Description"), wantDesc)
	}
}

func TestParseParagraphs(t *testing.T) {
	data := `Package: pkg1
Version: 1.0

Package: pkg2
Version: 2.0
`
	ps, err := ParseParagraphs(data)
	if err != nil {
		t.Fatalf("ParseParagraphs failed: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(ps))
	}
	if ps[0].Get("Package") != "pkg1" || ps[1].Get("Package") != "pkg2" {
		t.Errorf("unexpected packages: %q, %q", ps[0].Get("Package"), ps[1].Get("Package"))
	}
}

func TestParseParagraphMalformed(t *testing.T) {
	if _, err := ParseParagraph("not a field line"); err == nil {
		t.Error("expected error for malformed line")
	}
	if _, err := ParseParagraph(" leading continuation with nothing before it"); err == nil {
		t.Error("expected error for dangling continuation")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	p := NewParagraph()
	p.Set("Package", "foo")
	p.Set("Version", "1.0")
	p.Set("Description", "short\n long line")

	encoded := p.Encode()
	reparsed, err := ParseParagraph(encoded)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if reparsed.Get("Package") != "foo" || reparsed.Get("Version") != "1.0" {
		t.Errorf("round trip mismatch: %+v", reparsed)
	}
	if got := reparsed.Fields(); len(got) != 3 || got[0] != "Package" {
		t.Errorf("field order not preserved: %v", got)
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a, b", []string{"a", "b"}},
		{" a , b , c ", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		got := SplitList(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("SplitList(%q) len = %d, want %d", tt.input, len(got), len(tt.want))
		}
	}
}
