package deb

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Stanza is a single RFC822-like control paragraph. Field order is preserved
// so that a stanza can be re-emitted byte-identically modulo normalization.
// Unknown fields are kept and passed through untouched; callers read the
// fields they understand through typed accessors and never mutate the source.
type Stanza struct {
	fields map[ControlField]string
	order  []ControlField
}

// NewStanza returns an empty stanza.
func NewStanza() *Stanza {
	return &Stanza{fields: make(map[ControlField]string)}
}

// ParseStanza parses a single control paragraph. Continuation lines (starting
// with a space or tab) are folded into the value of the preceding field,
// separated by newlines. The leading marker space of each continuation line
// is stripped; a lone "." continuation denotes an empty line.
func ParseStanza(text string) (*Stanza, error) {
	s := NewStanza()
	var currentKey ControlField
	var currentValue strings.Builder

	flush := func() {
		if currentKey != "" {
			s.Set(currentKey, strings.TrimRight(currentValue.String(), "\n"))
		}
		currentKey = ""
		currentValue.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t"):
			if currentKey == "" {
				return nil, fmt.Errorf("continuation line without a field: %q", line)
			}
			cont := strings.TrimLeft(line, " \t")
			if cont == "." {
				cont = ""
			}
			currentValue.WriteString("\n" + cont)
		case strings.TrimSpace(line) == "":
			// Blank line ends the paragraph.
			flush()
		case strings.HasPrefix(line, "#"):
			// Comment lines are permitted in source control files.
		default:
			i := strings.Index(line, ":")
			if i < 0 {
				return nil, fmt.Errorf("malformed control line: %q", line)
			}
			flush()
			currentKey = ControlField(strings.TrimSpace(line[:i]))
			currentValue.WriteString(strings.TrimSpace(line[i+1:]))
		}
	}
	flush()

	if len(s.order) == 0 {
		return nil, fmt.Errorf("empty control stanza")
	}
	return s, nil
}

// ParseStanzas reads a multi-paragraph control file (Packages, Sources)
// and returns one stanza per paragraph.
func ParseStanzas(r io.Reader) ([]*Stanza, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var stanzas []*Stanza
	var current strings.Builder
	flush := func() error {
		if strings.TrimSpace(current.String()) == "" {
			current.Reset()
			return nil
		}
		s, err := ParseStanza(current.String())
		if err != nil {
			return err
		}
		stanzas = append(stanzas, s)
		current.Reset()
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		current.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return stanzas, nil
}

// Get returns the value of a field, or the empty string if absent.
func (s *Stanza) Get(f ControlField) string { return s.fields[f] }

// Has reports whether the field is present, even with an empty value.
func (s *Stanza) Has(f ControlField) bool {
	_, ok := s.fields[f]
	return ok
}

// Set assigns a field value, appending to the field order on first assignment.
func (s *Stanza) Set(f ControlField, value string) {
	if _, ok := s.fields[f]; !ok {
		s.order = append(s.order, f)
	}
	s.fields[f] = value
}

// Fields returns the field names in their original order.
func (s *Stanza) Fields() []ControlField {
	out := make([]ControlField, len(s.order))
	copy(out, s.order)
	return out
}

// List splits a comma-separated field into trimmed elements.
// It returns nil for an absent or empty field.
func (s *Stanza) List(f ControlField) []string {
	return splitList(s.Get(f))
}

// Lines returns the folded lines of a multi-line field. The first returned
// element is the text on the field's own line (often empty for list fields
// like Files).
func (s *Stanza) Lines(f ControlField) []string {
	v, ok := s.fields[f]
	if !ok {
		return nil
	}
	return strings.Split(v, "\n")
}

// MissingFields returns the subset of required fields absent from the stanza.
func (s *Stanza) MissingFields(required ...ControlField) []ControlField {
	var missing []ControlField
	for _, f := range required {
		if !s.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// WriteTo renders the stanza in control-file syntax, terminated by a single
// newline but no blank separator line.
func (s *Stanza) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	for _, f := range s.order {
		value := s.fields[f]
		lines := strings.Split(value, "\n")
		if _, err := fmt.Fprintf(cw, "%s: %s\n", f, lines[0]); err != nil {
			return cw.n, err
		}
		for _, cont := range lines[1:] {
			if cont == "" {
				cont = "."
			}
			if _, err := fmt.Fprintf(cw, " %s\n", cont); err != nil {
				return cw.n, err
			}
		}
	}
	return cw.n, nil
}

// String renders the stanza as control-file text.
func (s *Stanza) String() string {
	var b strings.Builder
	s.WriteTo(&b)
	return b.String()
}

// countingWriter wraps an io.Writer and counts the bytes written.
type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// splitList splits a comma-separated string into trimmed elements.
// It returns nil if the input string is empty.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var res []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			res = append(res, t)
		}
	}
	return res
}

// IsSafeFilename reports whether name is acceptable as an upload file name:
// non-empty, no path separators, no leading dot.
func IsSafeFilename(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\")
}
