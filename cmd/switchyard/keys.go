package main

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/allaspectsdev/switchyard/internal/vault"
)

// cmdKeys manages secrets in the OS keychain. A config key reference of the
// form keyring:<name> resolves against entries stored here. Secrets are
// never printed; show reveals only the fingerprint.
func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: switchyard keys <set|show|delete> <name>")
		os.Exit(1)
	}

	switch args[0] {
	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: switchyard keys set <name>")
			os.Exit(1)
		}
		name := args[1]
		fmt.Printf("Enter secret for %s: ", name)
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading secret: %v\n", err)
			os.Exit(1)
		}
		if len(secret) == 0 {
			fmt.Fprintln(os.Stderr, "error: empty secret")
			os.Exit(1)
		}
		if err := vault.Set(name, string(secret)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret %s stored (fingerprint %s)\n", name, shortPrint(string(secret)))

	case "show":
		if len(args) < 2 {
			fmt.Println("Usage: switchyard keys show <name>")
			os.Exit(1)
		}
		name := args[1]
		secret, err := vault.Get(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: **** (fingerprint %s)\n", name, shortPrint(secret))

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: switchyard keys delete <name>")
			os.Exit(1)
		}
		name := args[1]
		if err := vault.Delete(name); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Secret %s deleted\n", name)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}

// shortPrint truncates a fingerprint for display.
func shortPrint(secret string) string {
	fp := vault.Fingerprint(secret)
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fp
}
