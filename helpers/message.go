package helpers

import (
	"bytes"
	"encoding/hex"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"lukechampine.com/blake3"
)

// HashContent returns the hex-encoded BLAKE3-256 digest of content.
func HashContent(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// MessageInfo holds the header fields recorded for a delivered message.
type MessageInfo struct {
	Subject   string
	MessageID string
	Size      int
	Hash      string
}

// ParseMessageInfo extracts Subject and Message-ID from raw message bytes.
// Messages without a parsable header still get a size and hash.
func ParseMessageInfo(messageBytes []byte) MessageInfo {
	info := MessageInfo{
		Size: len(messageBytes),
		Hash: HashContent(messageBytes),
	}

	// Unknown charsets still yield an entity; anything worse does not.
	entity, err := message.Read(bytes.NewReader(messageBytes))
	if err != nil && entity == nil {
		return info
	}

	mailHeader := mail.Header{Header: entity.Header}
	if subject, err := mailHeader.Subject(); err == nil {
		info.Subject = SanitizeHeaderValue(subject)
	}
	if messageID, err := mailHeader.MessageID(); err == nil {
		info.MessageID = messageID
	}
	return info
}
