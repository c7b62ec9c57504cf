// Command dewey-admin manages the user accounts of the configured storage
// backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/migadu/dewey/pkg/daemon"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/storage/userdb"

	_ "github.com/migadu/dewey/storage/maildir"
	_ "github.com/migadu/dewey/storage/postgres"
	_ "github.com/migadu/dewey/storage/sqlite"
)

var hashSchemes = []string{userdb.SchemeBcrypt, userdb.SchemeSSHA512, userdb.SchemeSHA512}

func main() {
	ctx, cancel := daemon.SignalContext(context.Background())
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `dewey admin tool

Usage:
  dewey-admin [-config path] [-hash scheme] <command> [arguments]

Commands:
  adduser <name> <password>   Create a user
  passwd <name> <password>    Change a user's password
  deluser <name>              Delete a user
  hash <password>             Print a password hash for the users file

Options:
`)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dewey-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", daemon.DefaultConfigPath, "Path to TOML configuration file")
	hashType := fs.String("hash", userdb.SchemeBcrypt, "Password hash scheme (bcrypt, ssha512, sha512)")
	fs.Usage = func() {
		printUsage(stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if !slices.Contains(hashSchemes, *hashType) {
		fmt.Fprintf(stderr, "Error: unknown hash scheme %q\n", *hashType)
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 1
	}
	command, rest := rest[0], rest[1:]

	want := map[string]int{"adduser": 2, "passwd": 2, "deluser": 1, "hash": 1}
	n, ok := want[command]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		fs.Usage()
		return 1
	}
	if len(rest) != n {
		fmt.Fprintf(stderr, "Error: %s expects %d argument(s)\n\n", command, n)
		fs.Usage()
		return 1
	}

	if command == "hash" {
		hash, err := userdb.HashPassword(*hashType, rest[0])
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, hash)
		return 0
	}

	opts := daemon.Options{ConfigPath: *configPath}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			opts.ConfigExplicit = true
		}
	})
	cfg, err := daemon.LoadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load configuration: %v\n", err)
		return 1
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open %s storage: %v\n", cfg.Storage.Type, err)
		return 1
	}
	defer store.Close()

	if err := runCommand(ctx, store, *hashType, command, rest); err != nil {
		fmt.Fprintf(stderr, "Error: %s %s: %v\n", command, rest[0], err)
		return 1
	}
	fmt.Fprintf(stdout, "%s: %s done\n", rest[0], command)
	return 0
}

func runCommand(ctx context.Context, admin storage.UserAdmin, scheme, command string, args []string) error {
	user, err := storage.NormalizeUser(args[0])
	if err != nil {
		return err
	}

	switch command {
	case "adduser", "passwd":
		hash, err := userdb.HashPassword(scheme, args[1])
		if err != nil {
			return err
		}
		if command == "adduser" {
			return admin.CreateUser(ctx, user, hash)
		}
		return admin.SetPassword(ctx, user, hash)
	case "deluser":
		return admin.DeleteUser(ctx, user)
	}
	return fmt.Errorf("unknown command %q", command)
}
