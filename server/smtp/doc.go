// Package smtp implements the mail submission side of dewey: a small SMTP
// server (RFC 5321 subset) that accepts mail for local users and hands it
// to a storage.DeliveryAgent.
//
// # Server States
//
//	GREET → MAIL_NEXT ⇄ RCPT_NEXT → DATA_NEXT → MAIL_NEXT
//
// HELO or EHLO opens the session, MAIL FROM:<path> opens a transaction,
// each RCPT TO:<user> adds a local recipient and DATA reads the body up to
// the "." line. RSET drops the transaction from any state.
//
// Recipients are local user names, either bare or qualified with the
// server's hostname. A recipient named twice is delivered to once.
//
// # Message Bodies
//
// The body is spooled to a temporary file that is removed when DATA ends,
// whatever the outcome. Leading transparency dots are removed and every
// line is stored with CRLF. A body with an over-long line, or larger than
// MaxMessageSize, is read to the end and rejected as a whole. If the
// connection drops before the "." the transaction is discarded; nothing is
// ever partially delivered.
//
// EXPN and HELP are recognized and always refused with 502.
package smtp
