// Package pop3 implements the mail retrieval side of dewey, a POP3 server
// (RFC 1939) on top of a storage.MailboxStore.
//
// # Server States
//
//	GREETING → AUTH_USERNAME ⇄ AUTH_PASSWORD → TRANSACTION → UPDATE
//
// USER names a mailbox and PASS unlocks it. A successful PASS takes a
// snapshot of the mailbox: message numbers 1..N are fixed for the rest of
// the session and never renumbered by DELE.
//
// # Supported Commands
//
// Authorization:
//   - USER: Specify username
//   - PASS: Provide password (the rest of the line, spaces included)
//   - QUIT: End session
//
// Transaction:
//   - STAT: Live message count and size
//   - LIST: Scan listing, for one message or all
//   - RETR: Retrieve a message, dot-stuffed
//   - DELE: Mark message for deletion
//   - RSET: Unmark deleted messages
//   - NOOP: No operation (keepalive)
//
// TOP, UIDL and APOP are recognized and always refused. Anything else is
// answered with "-ERR Invalid command".
//
// # Message Deletion
//
// Messages marked with DELE are only removed when the session ends with
// QUIT in the TRANSACTION state. If the connection drops, times out or the
// server shuts down first, the deletions are discarded.
//
// # Starting a POP3 Server
//
//	srv, err := pop3.New(ctx, "popd", cfg.Hostname, ":110", store, pop3.POP3ServerOptions{
//		MaxConnections: 1000,
//		CommandTimeout: 10 * time.Minute,
//	})
//	if err != nil {
//		return err
//	}
//	go srv.Start(errChan)
//	defer srv.Close()
package pop3
