// cmd/patchd/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"patchd/client"
	"patchd/internal/config"
	"patchd/internal/inventory"
	"patchd/internal/logging"
	"patchd/internal/server"
	"patchd/internal/tree"

	"github.com/fatih/color"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
	logger     = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "patchd",
	Short: "patchd keeps a directory in sync with a remote file server",
	Long: `patchd serves a directory tree as a hierarchy of checksums. Clients
compare checksums level by level, descend only into directories that differ,
and download changed files in compressed chunks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

// localFS is an OS directory that can also set permission bits.
type localFS struct {
	billy.Filesystem
	root string
}

func (l localFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(filepath.Join(l.root, filepath.FromSlash(name)), mode)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (json or yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	var serveCmd = &cobra.Command{
		Use:   "serve [dir]",
		Short: "Serve a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Tree.Root = args[0]
			}
			if port, _ := cmd.Flags().GetInt("port"); port != 0 {
				cfg.Server.Port = port
			}

			zl, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			defer zl.Sync()

			srv, err := server.New(cfg, zl)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().IntP("port", "p", 0, "listen port (overrides config)")

	var scanCmd = &cobra.Command{
		Use:   "scan [dir]",
		Short: "Print the root checksum of a local directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			t, err := scanLocal(cmd.Context(), dir)
			if err != nil {
				return err
			}

			list, _ := cmd.Flags().GetBool("list")
			if list {
				for _, e := range t.Entries(0, t.Len()) {
					kind := "f"
					if e.Dir {
						kind = "d"
					}
					fmt.Printf("%s %s %10d %s\n", kind, e.Checksum, e.Size, e.Path)
				}
			}
			fmt.Printf("%s  %d entries, %d directories\n",
				color.New(color.FgCyan).Sprint(t.Root()), t.Len(), t.NodeCount())
			return nil
		},
	}
	scanCmd.Flags().BoolP("list", "l", false, "list every entry")

	var diffCmd = &cobra.Command{
		Use:   "diff <url> [dir]",
		Short: "Show how a local directory differs from a server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, _, err := diffAgainst(cmd.Context(), args)
			if err != nil {
				return err
			}
			printChanges(changes)
			return nil
		},
	}

	var pullCmd = &cobra.Command{
		Use:   "pull <url> [dir]",
		Short: "Download whatever differs from a server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			changes, c, err := diffAgainst(ctx, args)
			if err != nil {
				return err
			}
			printChanges(changes)

			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun || len(changes) == 0 {
				return nil
			}

			dir := localDir(args)
			fs := localFS{Filesystem: osfs.New(dir), root: dir}
			if err := c.Apply(ctx, fs, changes, logger); err != nil {
				return fmt.Errorf("applying changes: %w", err)
			}
			color.Green("%d changes applied", len(changes))
			return nil
		},
	}
	pullCmd.Flags().Bool("dry-run", false, "only show what would change")

	var snapshotsCmd = &cobra.Command{
		Use:   "snapshots <url>",
		Short: "List snapshots a server has published",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(args[0])
			if err != nil {
				return err
			}
			current, err := c.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			records, err := c.Snapshots(cmd.Context())
			if err != nil {
				return err
			}

			bold := color.New(color.Bold).SprintFunc()
			for _, r := range records {
				line := fmt.Sprintf("%s  %s  %6d entries  %s",
					r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.ID, r.Entries, r.Root)
				if r.ID == current.ID {
					line = bold("* " + line)
				} else {
					line = "  " + line
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

func localDir(args []string) string {
	if len(args) == 2 {
		return args[1]
	}
	return "."
}

func scanLocal(ctx context.Context, dir string) (*tree.Tree, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	scanner := inventory.NewScanner(osfs.New(abs), inventory.ScanOptions{
		Ignore:  append(cfg.Tree.Ignore, "*"+client.PartialSuffix),
		Workers: cfg.Tree.Workers,
	}, logger)
	entries, err := scanner.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return tree.Build(entries)
}

func diffAgainst(ctx context.Context, args []string) ([]client.Change, *client.Client, error) {
	c, err := client.New(args[0])
	if err != nil {
		return nil, nil, err
	}
	local, err := scanLocal(ctx, localDir(args))
	if err != nil {
		return nil, nil, err
	}
	changes, err := c.Diff(ctx, local)
	if err != nil {
		return nil, nil, fmt.Errorf("comparing with %s: %w", args[0], err)
	}
	return changes, c, nil
}

func printChanges(changes []client.Change) {
	if len(changes) == 0 {
		color.Green("Up to date")
		return
	}

	added := color.New(color.FgGreen)
	modified := color.New(color.FgYellow)
	removed := color.New(color.FgRed)

	for _, ch := range changes {
		name := ch.Entry.Path
		if ch.Entry.Dir {
			name += "/"
		}
		switch ch.Kind {
		case client.Added:
			added.Printf("+ %s\n", name)
		case client.Modified:
			modified.Printf("~ %s\n", name)
		case client.Removed:
			removed.Printf("- %s\n", name)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
