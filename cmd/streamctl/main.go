// streamctl is an interactive console for streamd archives and protocol
// lines.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	defaults "github.com/xtxerr/streamd/config"
	"github.com/xtxerr/streamd/internal/config"
	"github.com/xtxerr/streamd/internal/console"
	"github.com/xtxerr/streamd/internal/storage/query"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := pflag.StringP("config", "c", "", "streamd config file to take archive settings from")
	archiveDir := pflag.StringP("archive-dir", "a", "", "directory of Parquet archives (overrides config)")
	memoryLimit := pflag.String("memory-limit", defaults.DefaultQueryMemoryLimit, "DuckDB memory limit")
	execute := pflag.StringP("execute", "e", "", "run one command and exit")
	version := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *version {
		fmt.Println("streamctl", Version)
		return
	}

	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		if *archiveDir == "" {
			*archiveDir = cfg.Storage.Archive.Dir
		}
		if !pflag.CommandLine.Changed("memory-limit") && cfg.Storage.Archive.QueryMemoryLimit != "" {
			*memoryLimit = cfg.Storage.Archive.QueryMemoryLimit
		}
	}

	var svc *query.Service
	if *archiveDir != "" {
		var err error
		svc, err = query.New(query.Options{Dir: *archiveDir, MemoryLimit: *memoryLimit})
		if err != nil {
			fmt.Fprintf(os.Stderr, "open archives: %v\n", err)
			os.Exit(1)
		}
		defer svc.Close()
	}

	c := console.New(svc, os.Stdout)
	ctx := context.Background()

	switch {
	case *execute != "":
		if err := c.Execute(ctx, *execute); err != nil && !errors.Is(err, console.ErrExit) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case term.IsTerminal(int(os.Stdin.Fd())):
		interactive(ctx, c)
	default:
		if err := script(ctx, c); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// interactive runs the prompt loop until exit or Ctrl-D.
func interactive(ctx context.Context, c *console.Console) {
	fmt.Println("streamctl", Version, "- type help for commands")

	done := false
	executor := func(line string) {
		err := c.Execute(ctx, line)
		switch {
		case errors.Is(err, console.ErrExit):
			done = true
		case err != nil:
			fmt.Println("error:", err)
		}
	}
	p := prompt.New(executor, c.Complete,
		prompt.OptionPrefix("streamctl> "),
		prompt.OptionTitle("streamctl"),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool { return done }),
	)
	p.Run()
}

// script runs commands read from stdin, one per line, stopping at the
// first failure.
func script(ctx context.Context, c *console.Console) error {
	sc := bufio.NewScanner(os.Stdin)
	n := 0
	for sc.Scan() {
		n++
		err := c.Execute(ctx, sc.Text())
		if errors.Is(err, console.ErrExit) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %s: %w", n, strings.TrimSpace(sc.Text()), err)
		}
	}
	return sc.Err()
}
