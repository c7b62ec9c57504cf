package server

import "strings"

// MaxVerbLength is the longest verb either protocol recognizes.
const MaxVerbLength = 4

// EndOfData is the sentinel line that terminates multiline bodies.
const EndOfData = "."

// Cursor walks the parameters of a command line one token at a time.
// The zero value is an exhausted cursor.
type Cursor struct {
	rest string
}

// NewCursor returns a cursor positioned at the start of s.
func NewCursor(s string) Cursor {
	return Cursor{rest: s}
}

// Next returns the next whitespace-delimited token and advances past it.
// ok is false once the remainder holds nothing but whitespace.
func (c *Cursor) Next() (token string, ok bool) {
	s := strings.TrimLeft(c.rest, " \t")
	if s == "" {
		c.rest = ""
		return "", false
	}
	end := strings.IndexAny(s, " \t")
	if end < 0 {
		c.rest = ""
		return s, true
	}
	c.rest = s[end:]
	return s[:end], true
}

// Rest consumes and returns everything left on the line, without leading whitespace.
func (c *Cursor) Rest() string {
	s := strings.TrimLeft(c.rest, " \t")
	c.rest = ""
	return s
}

// Empty reports whether only whitespace remains.
func (c Cursor) Empty() bool {
	return strings.TrimLeft(c.rest, " \t") == ""
}

// Command is a parsed protocol line: an upper-cased verb and a cursor over its parameters.
type Command struct {
	Verb string
	Args Cursor
}

// ParseCommand splits line into its verb and the unparsed remainder.
func ParseCommand(line string) Command {
	args := NewCursor(line)
	verb, _ := args.Next()
	return Command{Verb: strings.ToUpper(verb), Args: args}
}

// IsEndOfData reports whether line is the bare "." body terminator.
// Callers must check it before treating the line as a command.
func IsEndOfData(line string) bool {
	return line == EndOfData
}

// VerbClass is the result of looking a verb up in a VerbSet.
type VerbClass int

const (
	VerbUnknown VerbClass = iota
	VerbSupported
	VerbUnsupported
)

// VerbSet maps the verbs a protocol recognizes to whether it implements them.
type VerbSet map[string]VerbClass

// NewVerbSet builds a lookup table from the implemented and the declined verbs.
func NewVerbSet(supported, unsupported []string) VerbSet {
	vs := make(VerbSet, len(supported)+len(unsupported))
	for _, v := range supported {
		vs[v] = VerbSupported
	}
	for _, v := range unsupported {
		vs[v] = VerbUnsupported
	}
	return vs
}

// Classify looks verb up by exact match. Empty or over-long verbs are unknown.
func (vs VerbSet) Classify(verb string) VerbClass {
	if verb == "" || len(verb) > MaxVerbLength {
		return VerbUnknown
	}
	return vs[verb]
}
