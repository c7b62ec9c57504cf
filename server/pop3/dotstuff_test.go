package pop3

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDotStuffPOP3(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "No dots",
			input:    "Line 1\r\nLine 2\r\nLine 3",
			expected: "Line 1\r\nLine 2\r\nLine 3",
		},
		{
			name:     "Dot at start of line",
			input:    ".Line 1\r\nLine 2\r\n.Line 3",
			expected: "..Line 1\r\nLine 2\r\n..Line 3",
		},
		{
			name:     "Dot terminator in body",
			input:    "Line 1\r\n.\r\nLine 2",
			expected: "Line 1\r\n..\r\nLine 2",
		},
		{
			name:     "Multiple dots at line start",
			input:    "..Already stuffed\r\n.Another",
			expected: "...Already stuffed\r\n..Another",
		},
		{
			name:     "Dot in middle of line (no stuffing needed)",
			input:    "This is a . in the middle\r\nAnother line",
			expected: "This is a . in the middle\r\nAnother line",
		},
		{
			name:     "Empty message",
			input:    "",
			expected: "",
		},
		{
			name:     "Single dot",
			input:    ".",
			expected: "..",
		},
		{
			name:     "Just terminator sequence",
			input:    ".\r\n",
			expected: "..\r\n",
		},
		{
			name:     "Real-world HTML email with dots",
			input:    "Content-Type: text/html\r\n\r\n<html>\r\n.\r\n</html>",
			expected: "Content-Type: text/html\r\n\r\n<html>\r\n..\r\n</html>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, dotStuffPOP3(tt.input))
		})
	}
}

func TestWriteMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"crlf lines", "a\r\nb\r\n", "a\r\nb\r\n"},
		{"bare lf normalized", "a\nb\n", "a\r\nb\r\n"},
		{"unterminated last line", "a\r\nb", "a\r\nb\r\n"},
		{"stuffed", ".a\r\n.\r\n..b", "..a\r\n..\r\n...b\r\n"},
		{"blank lines kept", "h\r\n\r\nbody\r\n", "h\r\n\r\nbody\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			require.NoError(t, writeMessage(w, strings.NewReader(tt.input)))
			require.NoError(t, w.Flush())
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestWriteMessageReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("a\r\nb"), &failingReader{err: boom})
	err := writeMessage(bufio.NewWriter(io.Discard), r)
	assert.ErrorIs(t, err, boom)
}

type failingReader struct{ err error }

func (r *failingReader) Read([]byte) (int, error) { return 0, r.err }

func BenchmarkDotStuffPOP3_NoDots(b *testing.B) {
	input := "Line 1\r\nLine 2\r\nLine 3\r\nLine 4\r\nLine 5\r\n"
	for i := 0; i < b.N; i++ {
		dotStuffPOP3(input)
	}
}

func BenchmarkDotStuffPOP3_WithDots(b *testing.B) {
	input := ".Line 1\r\nLine 2\r\n.Line 3\r\nLine 4\r\n.Line 5\r\n"
	for i := 0; i < b.N; i++ {
		dotStuffPOP3(input)
	}
}

func BenchmarkDotStuffPOP3_LargeMessage(b *testing.B) {
	// Simulate a 10KB message with occasional dots
	var input string
	for i := 0; i < 100; i++ {
		if i%10 == 0 {
			input += ".Line with dot at start\r\n"
		} else {
			input += "Regular line without dot at start\r\n"
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dotStuffPOP3(input)
	}
}
