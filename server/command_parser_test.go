package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantVerb string
		wantArgs []string
	}{
		{name: "empty line", line: "", wantVerb: "", wantArgs: nil},
		{name: "verb only", line: "noop", wantVerb: "NOOP", wantArgs: nil},
		{name: "mixed case verb", line: "ReTr 3", wantVerb: "RETR", wantArgs: []string{"3"}},
		{name: "leading whitespace", line: "   LIST 1", wantVerb: "LIST", wantArgs: []string{"1"}},
		{name: "tabs separate tokens", line: "USER\talice\t", wantVerb: "USER", wantArgs: []string{"alice"}},
		{name: "several parameters", line: "MAIL FROM:<a@b> SIZE=10", wantVerb: "MAIL", wantArgs: []string{"FROM:<a@b>", "SIZE=10"}},
		{name: "long verb is kept intact", line: "STARTTLS now", wantVerb: "STARTTLS", wantArgs: []string{"now"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := ParseCommand(tt.line)
			assert.Equal(t, tt.wantVerb, cmd.Verb)

			var got []string
			for {
				tok, ok := cmd.Args.Next()
				if !ok {
					break
				}
				got = append(got, tok)
			}
			assert.Equal(t, tt.wantArgs, got)
			assert.True(t, cmd.Args.Empty())
		})
	}
}

func TestCursorContinuesFromPosition(t *testing.T) {
	c := NewCursor("  one two   three ")

	tok, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, "one", tok)
	assert.False(t, c.Empty())

	tok, ok = c.Next()
	require.True(t, ok)
	assert.Equal(t, "two", tok)

	assert.Equal(t, "three ", c.Rest())
	assert.True(t, c.Empty())

	_, ok = c.Next()
	assert.False(t, ok, "cursor stays exhausted after Rest")
}

func TestCursorRestKeepsInnerSpaces(t *testing.T) {
	cmd := ParseCommand("PASS  correct horse battery")
	assert.Equal(t, "PASS", cmd.Verb)
	assert.Equal(t, "correct horse battery", cmd.Args.Rest())
}

func TestZeroCursor(t *testing.T) {
	var c Cursor
	assert.True(t, c.Empty())
	_, ok := c.Next()
	assert.False(t, ok)
	assert.Equal(t, "", c.Rest())
}

func TestIsEndOfData(t *testing.T) {
	assert.True(t, IsEndOfData("."))
	assert.False(t, IsEndOfData(".."))
	assert.False(t, IsEndOfData(". "))
	assert.False(t, IsEndOfData(""))
}

func TestVerbSetClassify(t *testing.T) {
	vs := NewVerbSet([]string{"USER", "PASS", "QUIT"}, []string{"TOP", "APOP"})

	tests := []struct {
		verb string
		want VerbClass
	}{
		{"USER", VerbSupported},
		{"QUIT", VerbSupported},
		{"TOP", VerbUnsupported},
		{"APOP", VerbUnsupported},
		{"XYZZ", VerbUnknown},
		{"", VerbUnknown},
		{"user", VerbUnknown},
		{"USERS", VerbUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, vs.Classify(tt.verb), "verb %q", tt.verb)
	}
}

func TestVerbSetRejectsLongRegisteredVerb(t *testing.T) {
	vs := NewVerbSet([]string{"STARTTLS"}, nil)
	assert.Equal(t, VerbUnknown, vs.Classify("STARTTLS"))
}
