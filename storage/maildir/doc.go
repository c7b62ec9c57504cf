// Package maildir stores mail in one Maildir per user under a base path:
//
//	path/
//	└── alice/
//	    ├── new/
//	    ├── cur/
//	    └── tmp/
//
// Accounts live in a passwd-style users file (see storage/userdb). The
// package registers itself under the name "maildir":
//
//	import _ "github.com/migadu/dewey/storage/maildir"
package maildir
