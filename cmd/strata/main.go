// cmd/strata/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"strata/internal/change"
	"strata/internal/commit"
	"strata/internal/config"
	"strata/internal/fs"
	"strata/internal/fserrors"
	"strata/internal/id"
	"strata/internal/logging"
	"strata/internal/registry"
	"strata/internal/revprops"
	"strata/internal/tracker"
	"strata/internal/txn"
)

var repoPath string

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata is a versioned append-only filesystem",
	Long: `Strata stores a linear history of repository revisions. Clients open
a transaction against a base revision, mutate a tree of files and
directories, and atomically promote the transaction into the next
revision.`,
}

func openFS() (*fs.FS, *logging.Logger, error) {
	cfg, err := config.Load(filepath.Join(repoPath, "config.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("loading repository config: %w", err)
		}
		cfg = config.Default()
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	f, err := fs.Open(repoPath, logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening repository: %w", err)
	}
	return f, logger, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "r", ".strata", "repository path")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a new strata repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			f, err := fs.Create(repoPath, cfg, logger.Logger)
			if err != nil {
				return fmt.Errorf("initializing repository: %w", err)
			}
			defer f.Close()

			fmt.Println("Initialized empty strata repository in", repoPath)
			return nil
		},
	}

	var message string
	var commitCmd = &cobra.Command{
		Use:   "commit [dir]",
		Short: "Commit a directory tree as the next revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openFS()
			if err != nil {
				return err
			}
			defer f.Close()

			youngest, err := f.Youngest()
			if err != nil {
				return err
			}
			tx, err := txn.Begin(f, youngest)
			if err != nil {
				return fmt.Errorf("beginning transaction: %w", err)
			}
			if message != "" {
				if err := tx.SetProp(revprops.PropLog, message); err != nil {
					tx.Abort()
					return err
				}
			}
			if err := stageTree(tx, args[0]); err != nil {
				tx.Abort()
				return fmt.Errorf("staging %s: %w", args[0], err)
			}
			rev, err := commit.Commit(f, tx, commit.Options{})
			if err != nil {
				tx.Abort()
				return fmt.Errorf("committing: %w", err)
			}
			color.Green("Committed revision %d", rev)
			return nil
		},
	}
	commitCmd.Flags().StringVarP(&message, "message", "m", "", "log message")

	var logCmd = &cobra.Command{
		Use:   "log",
		Short: "Show revision history",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openFS()
			if err != nil {
				return err
			}
			defer f.Close()

			youngest, err := f.Youngest()
			if err != nil {
				return err
			}
			for rev := youngest; rev > 0; rev-- {
				props, err := f.RevProps(rev)
				if err != nil {
					return err
				}
				color.Yellow("r%d", rev)
				if date := props[revprops.PropDate]; date != "" {
					fmt.Println("Date:", date)
				}
				if msg := props[revprops.PropLog]; msg != "" {
					fmt.Println(" ", msg)
				}
				changes, err := f.ChangesAt(rev)
				if err != nil {
					return err
				}
				for _, path := range change.SortedPaths(changes) {
					fmt.Printf("  %-11s %s\n", changes[path].Kind, path)
				}
				fmt.Println()
			}
			return nil
		},
	}

	var catCmd = &cobra.Command{
		Use:   "cat [path]",
		Short: "Print a file at a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openFS()
			if err != nil {
				return err
			}
			defer f.Close()

			rev, err := revFlag(cmd, f)
			if err != nil {
				return err
			}
			data, err := f.FileContents(rev, args[0])
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	}
	catCmd.Flags().Int64("rev", -1, "revision (default: youngest)")

	var txnsCmd = &cobra.Command{
		Use:   "txns",
		Short: "List open transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openFS()
			if err != nil {
				return err
			}
			defer f.Close()

			ids, err := txn.List(f)
			if err != nil {
				return err
			}
			for _, txnID := range ids {
				fmt.Println(txnID)
			}
			return nil
		},
	}

	var cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := openFS()
			if err != nil {
				return err
			}
			defer f.Close()

			ids, err := txn.List(f)
			if err != nil {
				return err
			}
			removed := 0
			for _, txnID := range ids {
				busy := false
				f.Locks.WithTxnListLock(func(reg *registry.Registry) error {
					if t := reg.Lookup(txnID); t != nil && t.BeingWritten {
						busy = true
					}
					return nil
				})
				if busy {
					continue
				}
				if err := txn.Purge(f, txnID); err != nil {
					if fserrors.IsKind(err, fserrors.KindRepBeingWritten) {
						continue
					}
					return err
				}
				removed++
			}
			fmt.Printf("Removed %d transaction(s)\n", removed)
			return nil
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch [dir]",
		Short: "Auto-commit changes made under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, logger, err := openFS()
			if err != nil {
				return err
			}
			defer f.Close()

			t, err := tracker.New(f, args[0], logger.Logger)
			if err != nil {
				return fmt.Errorf("starting tracker: %w", err)
			}
			defer t.Close()

			go t.Run()
			fmt.Println("Watching", args[0], "- press Ctrl-C to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}

	rootCmd.AddCommand(initCmd, commitCmd, logCmd, catCmd, txnsCmd, cleanupCmd, watchCmd)
}

// stageTree stages every file and directory under dir into the
// transaction.
func stageTree(tx *txn.Txn, dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		repoPath := "/" + filepath.ToSlash(rel)
		if info.IsDir() {
			_, err := tx.MakeDir(repoPath)
			return err
		}
		if _, err := tx.MakeFile(repoPath); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return tx.WriteFile(repoPath, data)
	})
}

func revFlag(cmd *cobra.Command, f *fs.FS) (id.Rev, error) {
	n, err := cmd.Flags().GetInt64("rev")
	if err != nil {
		return id.InvalidRev, err
	}
	if n >= 0 {
		return id.Rev(n), nil
	}
	return f.Youngest()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
