package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gossipmesh/gossipmesh/internal/config"
	"github.com/gossipmesh/gossipmesh/internal/identity"
)

// Set via -ldflags at build time, mirroring gossipmesh-node.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) >= 2 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		fmt.Printf("gossipmesh-keygen %s (%s)\n", version, commit)
		return
	}
	if err := doKeygen(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func doKeygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("gossipmesh-keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	pathFlag := fs.String("path", "", "identity key file path (default: ~/.config/gossipmesh/node.key)")
	forceFlag := fs.Bool("force", false, "overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *pathFlag
	if path == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		path = filepath.Join(dir, "node.key")
	}

	if _, err := os.Stat(path); err == nil && !*forceFlag {
		return fmt.Errorf("identity file already exists: %s (use --force to overwrite)", path)
	} else if err == nil && *forceFlag {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing identity file: %w", err)
		}
		os.Remove(path + ".seq")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	id, err := identity.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}

	fmt.Fprintf(stdout, "Generated identity: %s\n", path)
	fmt.Fprintf(stdout, "Node ID: %s\n", id.Node.String())
	fmt.Fprintf(stdout, "\nReference this path as node.identity_path in your gossipmesh.yaml.\n")
	return nil
}
