// Package userdb implements password hashing and a passwd-style users file.
//
// Each non-comment line of the file is
//
//	user:hash[:mailbox]
//
// where hash uses one of the schemes understood by VerifyPassword and
// mailbox, when present, overrides the mailbox directory name.
package userdb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/logger"
	"github.com/migadu/dewey/storage"
)

type entry struct {
	hash    string
	mailbox string
}

// File is a users file that reloads itself when it changes on disk.
type File struct {
	path string

	mu      sync.RWMutex
	modTime time.Time
	size    int64
	users   map[string]entry
}

// Open loads the users file at path. A missing file is an empty user list
// so that the admin tool can create the first user.
func Open(path string) (*File, error) {
	f := &File{path: path, users: map[string]entry{}}
	if err := f.reload(true); err != nil {
		return nil, err
	}
	return f, nil
}

func parseUsers(path string) (map[string]entry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	users := make(map[string]entry)
	scanner := bufio.NewScanner(fh)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 || parts[1] == "" {
			return nil, fmt.Errorf("%s:%d: expected user:hash[:mailbox]", path, lineNum)
		}
		name, err := storage.NormalizeUser(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNum, err)
		}
		e := entry{hash: parts[1], mailbox: name}
		if len(parts) == 3 && parts[2] != "" {
			mailbox, err := storage.NormalizeUser(parts[2])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: mailbox: %w", path, lineNum, err)
			}
			e.mailbox = mailbox
		}
		users[name] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return users, nil
}

func (f *File) reload(force bool) error {
	fi, err := os.Stat(f.path)
	if os.IsNotExist(err) {
		f.mu.Lock()
		f.users = map[string]entry{}
		f.modTime = time.Time{}
		f.size = 0
		f.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	f.mu.RLock()
	unchanged := fi.ModTime().Equal(f.modTime) && fi.Size() == f.size
	f.mu.RUnlock()
	if unchanged && !force {
		return nil
	}

	users, err := parseUsers(f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.users = users
	f.modTime = fi.ModTime()
	f.size = fi.Size()
	f.mu.Unlock()
	return nil
}

// refresh keeps serving the last good copy when the file cannot be parsed.
func (f *File) refresh() {
	if err := f.reload(false); err != nil {
		logger.Warn("Users file reload failed", "path", f.path, "error", err)
	}
}

func (f *File) lookup(user string) (entry, bool) {
	f.refresh()
	name, err := storage.NormalizeUser(user)
	if err != nil {
		return entry{}, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.users[name]
	return e, ok
}

// UserExists implements storage.UserValidator.
func (f *File) UserExists(ctx context.Context, user string) (bool, error) {
	_, ok := f.lookup(user)
	return ok, nil
}

// Authenticate implements storage.Authenticator.
func (f *File) Authenticate(ctx context.Context, user, password string) error {
	e, ok := f.lookup(user)
	if !ok {
		return consts.ErrAuthFailed
	}
	if err := VerifyPassword(e.hash, password); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrAuthFailed, err)
	}
	return nil
}

// Mailbox returns the mailbox directory name for user.
func (f *File) Mailbox(user string) (string, error) {
	e, ok := f.lookup(user)
	if !ok {
		return "", consts.ErrUserNotFound
	}
	return e.mailbox, nil
}

// Users returns all user names, sorted.
func (f *File) Users() []string {
	f.refresh()
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.users))
	for name := range f.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateUser adds a user. It fails with consts.ErrUserExists if the name is taken.
func (f *File) CreateUser(ctx context.Context, user, passwordHash string) error {
	return f.update(user, func(users map[string]entry, name string) error {
		if _, ok := users[name]; ok {
			return consts.ErrUserExists
		}
		users[name] = entry{hash: passwordHash, mailbox: name}
		return nil
	})
}

// SetPassword replaces a user's password hash.
func (f *File) SetPassword(ctx context.Context, user, passwordHash string) error {
	return f.update(user, func(users map[string]entry, name string) error {
		e, ok := users[name]
		if !ok {
			return consts.ErrUserNotFound
		}
		e.hash = passwordHash
		users[name] = e
		return nil
	})
}

// DeleteUser removes a user from the file. The mailbox itself is left alone.
func (f *File) DeleteUser(ctx context.Context, user string) error {
	return f.update(user, func(users map[string]entry, name string) error {
		if _, ok := users[name]; !ok {
			return consts.ErrUserNotFound
		}
		delete(users, name)
		return nil
	})
}

func (f *File) update(user string, fn func(map[string]entry, string) error) error {
	name, err := storage.NormalizeUser(user)
	if err != nil {
		return err
	}
	if err := f.reload(true); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	users := make(map[string]entry, len(f.users)+1)
	for k, v := range f.users {
		users[k] = v
	}
	if err := fn(users, name); err != nil {
		return err
	}
	if err := writeUsers(f.path, users); err != nil {
		return err
	}
	f.users = users
	if fi, err := os.Stat(f.path); err == nil {
		f.modTime = fi.ModTime()
		f.size = fi.Size()
	}
	return nil
}

// writeUsers replaces the file atomically via a temp file and rename.
func writeUsers(path string, users map[string]entry) error {
	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".users-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, name := range names {
		e := users[name]
		if e.mailbox != "" && e.mailbox != name {
			fmt.Fprintf(w, "%s:%s:%s\n", name, e.hash, e.mailbox)
		} else {
			fmt.Fprintf(w, "%s:%s\n", name, e.hash)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
