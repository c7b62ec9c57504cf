// Package testutils provides testing utilities shared by the dewey test suites.
//
// Key components:
//   - MemStore: an in-memory storage.Store that records deliveries and
//     expunges and can be told to fail individual operations
//   - SetupTestStore: a real SQLite-backed store in a temporary directory
//
// Example usage:
//
//	import "github.com/migadu/dewey/testutils"
//
//	func TestMyFunction(t *testing.T) {
//		store := testutils.NewMemStore()
//		store.AddUser("alice", "secret")
//		store.AddMessage("alice", "Subject: hi\r\n\r\nbody\r\n")
//		// Use store in your tests...
//	}
package testutils
