// Copyright 2026 The KDBX Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kdbx is a developer tool for inspecting and rewriting
// KeePass databases.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
	"github.com/sseemayer/kdbx/pkg/keepass"
)

var (
	flagKeyFile string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "kdbx",
		Short:         "Inspect and rewrite KeePass databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagKeyFile, "keyfile", "k", "", "key file to unlock the database with")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		dumpXMLCmd(),
		showDBCmd(),
		getVersionCmd(),
		rewriteCmd(),
		purgeHistoryCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kdbx:", err)
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// databaseKey assembles credentials from $KDBX_PASSWORD, a terminal
// prompt, and the --keyfile flag.
func databaseKey() (*kdbcrypt.DatabaseKey, error) {
	key := kdbcrypt.NewKey()
	if password, ok := os.LookupEnv("KDBX_PASSWORD"); ok {
		key.WithPassword(password)
	} else if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		key.WithPassword(string(raw))
	}
	if flagKeyFile != "" {
		f, err := os.Open(flagKeyFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if _, err := key.WithKeyFile(f); err != nil {
			return nil, err
		}
	}
	if key.IsEmpty() {
		return nil, fmt.Errorf("no password or key file given")
	}
	return key, nil
}

func openDatabase(path string) (*keepass.Database, *kdbcrypt.DatabaseKey, error) {
	key, err := databaseKey()
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	db, err := keepass.Open(f, key)
	if err != nil {
		return nil, nil, err
	}
	return db, key, nil
}

func dumpXMLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-xml DATABASE",
		Short: "Print the decrypted inner XML document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := databaseKey()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			xml, err := keepass.DecryptXML(f, key)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(xml)
			return err
		},
	}
}

func showDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-db DATABASE",
		Short: "List the groups and entries of a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDatabase(args[0])
			if err != nil {
				return err
			}
			logger().Debug("database opened", "version", db.Settings.Version.String())
			if db.Meta.DatabaseName != "" {
				fmt.Println("Database:", db.Meta.DatabaseName)
			}
			printGroup(db.Root, 0)
			return nil
		},
	}
}

func printGroup(g *keepass.Group, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s[%s]\n", indent, g.Name)
	for _, child := range g.Children {
		switch n := child.(type) {
		case *keepass.Entry:
			fmt.Printf("%s  %s (%s)\n", indent, n.Title(), n.UserName())
		case *keepass.Group:
			printGroup(n, depth+1)
		}
	}
}

func getVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get-version DATABASE",
		Short: "Report the database format generation without decrypting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			v, err := keepass.ReadVersion(f)
			if err != nil {
				return err
			}
			fmt.Println(v.String())
			return nil
		},
	}
}

func rewriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite DATABASE OUTPUT",
		Short: "Re-encrypt a database as KDBX4 with fresh seeds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, key, err := openDatabase(args[0])
			if err != nil {
				return err
			}
			return saveAtomic(db, key, args[1])
		},
	}
}

func purgeHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-history DATABASE OUTPUT",
		Short: "Drop all entry histories and rewrite the database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, key, err := openDatabase(args[0])
			if err != nil {
				return err
			}
			n := 0
			for it := db.Entries(); ; {
				e := it.Next()
				if e == nil {
					break
				}
				n += len(e.History)
				e.History = nil
			}
			logger().Debug("purged history snapshots", "count", n)
			return saveAtomic(db, key, args[1])
		},
	}
}

// saveAtomic writes the database to a temporary file next to path and
// renames it into place, so a failed save never clobbers the output.
func saveAtomic(db *keepass.Database, key *kdbcrypt.DatabaseKey, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "kdbx-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := db.Save(tmp, key); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
