package pop3

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/migadu/dewey/storage"
)

// buildListResponseLines builds the multi-line response body for the LIST command.
// Message numbers stay stable for the whole session: deleted messages are
// skipped, but the remaining ones keep their original numbers.
func buildListResponseLines(messages []storage.Message, deleted map[int]bool) []string {
	var lines []string
	for i, msg := range messages {
		if !deleted[i] {
			// POP3 message numbers are 1-indexed
			lines = append(lines, fmt.Sprintf("%d %d", i+1, msg.Size))
		}
	}
	return lines
}

// countNonDeletedMessages returns the count of messages not marked as deleted.
func countNonDeletedMessages(messages []storage.Message, deleted map[int]bool) int {
	count := 0
	for i := range messages {
		if !deleted[i] {
			count++
		}
	}
	return count
}

// visible reports whether msgNumber names a message that exists and has not
// been deleted in this session.
func visible(messages []storage.Message, deleted map[int]bool, msgNumber int) bool {
	return msgNumber >= 1 && msgNumber <= len(messages) && !deleted[msgNumber-1]
}

// buildSingleListResponse builds the response for a single-message LIST query.
// Returns (true, "msgNumber size") on success, or (false, "") if the message
// number is out of range or the message is deleted.
func buildSingleListResponse(messages []storage.Message, deleted map[int]bool, msgNumber int) (bool, string) {
	if !visible(messages, deleted, msgNumber) {
		return false, ""
	}
	return true, fmt.Sprintf("%d %d", msgNumber, messages[msgNumber-1].Size)
}

// computeDeletedStats returns the count and total size of messages marked as deleted
// in the current session.
func computeDeletedStats(messages []storage.Message, deleted map[int]bool) (count int, size int64) {
	for i, msg := range messages {
		if deleted[i] {
			count++
			size += msg.Size
		}
	}
	return count, size
}

// liveStats is what STAT reports: the messages still visible and their total size.
func liveStats(messages []storage.Message, deleted map[int]bool) (count int, size int64) {
	for i, msg := range messages {
		if !deleted[i] {
			count++
			size += msg.Size
		}
	}
	return count, size
}

// dotStuffPOP3 doubles every dot that starts a line so that no line of the
// body can be mistaken for the terminating ".".
func dotStuffPOP3(s string) string {
	if s == "" {
		return s
	}
	if s[0] == '.' {
		s = "." + s
	}
	if strings.Contains(s, "\n.") {
		s = strings.ReplaceAll(s, "\n.", "\n..")
	}
	return s
}

// writeMessage copies a stored message to w line by line, dot-stuffed and
// with every line ending in CRLF, including a final line that had no
// terminator. It does not write the terminating ".".
func writeMessage(w *bufio.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if _, werr := w.WriteString(dotStuffPOP3(line)); werr != nil {
				return werr
			}
			if _, werr := w.WriteString("\r\n"); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
