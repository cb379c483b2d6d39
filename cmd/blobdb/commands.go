package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maruel/blobdb/internal/blobrepo"
	"github.com/maruel/blobdb/internal/config"
	"github.com/maruel/blobdb/internal/docstore"
)

// rootOptions holds the global flags and the lazily opened store.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg     *config.Config
	store   *docstore.Store
	closeFn func() error
}

// run executes the command line args, writing results to out. stop cancels
// ctx; serve uses it to exit when the executable is replaced.
func run(ctx context.Context, stop context.CancelFunc, args []string, out io.Writer) error {
	opts := &rootOptions{}
	cmd := newRootCommand(opts, stop)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	err := cmd.ExecuteContext(ctx)
	if opts.closeFn != nil {
		if err2 := opts.closeFn(); err == nil {
			err = err2
		}
	}
	return err
}

// newRootCommand creates the command tree.
func newRootCommand(opts *rootOptions, stop context.CancelFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "blobdb",
		Short:         "Document database on top of a blob repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initLogger(opts.logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (YAML or JSON)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newGetCommand(opts),
		newInsertCommand(opts),
		newUpdateCommand(opts),
		newDeleteCommand(opts),
		newQueryCommand(opts),
		newUploadCommand(opts),
		newHistoryCommand(opts),
		newServeCommand(opts, stop),
		newConfigSchemaCommand(),
		newVersionCommand(),
	)
	return cmd
}

// open loads the configuration and opens the store once.
func (o *rootOptions) open(ctx context.Context) (*docstore.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	repo, closeFn, err := cfg.OpenRepository(ctx)
	if err != nil {
		return nil, err
	}
	storeOpts, err := cfg.StoreOptions()
	if err != nil {
		_ = closeFn()
		return nil, err
	}
	o.cfg, o.closeFn = cfg, closeFn
	o.store = docstore.Open(repo, storeOpts...)
	return o.store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDocument accepts a JSON object, or "-" to read it from stdin.
func parseDocument(cmd *cobra.Command, arg string) (any, error) {
	raw := []byte(arg)
	if arg == "-" {
		var err error
		if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return nil, err
		}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}
	return v, nil
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> [key]",
		Short: "Print a collection, or one document by id or uid",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				docs, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), docs)
			}
			d, err := s.GetItem(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if d == nil {
				return fmt.Errorf("%s/%s: %w", args[0], args[1], docstore.ErrDocumentNotFound)
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}

func newInsertCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "insert <collection> <json|->",
		Short: "Insert a document; a JSON array is a bulk insert",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseDocument(cmd, args[1])
			if err != nil {
				return err
			}
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			switch t := v.(type) {
			case map[string]any:
				d, err := s.Insert(cmd.Context(), args[0], t)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), d)
			case []any:
				docs := make([]docstore.Document, len(t))
				for i, item := range t {
					m, ok := item.(map[string]any)
					if !ok {
						return fmt.Errorf("item %d is not a JSON object", i)
					}
					docs[i] = m
				}
				out, err := s.BulkInsert(cmd.Context(), args[0], docs)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			default:
				return errors.New("document must be a JSON object or array")
			}
		},
	}
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <collection> <key> <json|->",
		Short: "Merge fields into a document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseDocument(cmd, args[2])
			if err != nil {
				return err
			}
			patch, ok := v.(map[string]any)
			if !ok {
				return errors.New("patch must be a JSON object")
			}
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			d, err := s.Update(cmd.Context(), args[0], args[1], patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <key>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			return s.Delete(cmd.Context(), args[0], args[1])
		},
	}
}

func newQueryCommand(opts *rootOptions) *cobra.Command {
	var (
		where  []string
		sort   string
		desc   bool
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "query <collection>",
		Short: "Filter, sort and project a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			q := s.Query(args[0])
			for _, w := range where {
				field, value, ok := strings.Cut(w, "=")
				if !ok || field == "" {
					return fmt.Errorf("invalid --where %q, want field=value", w)
				}
				q = q.Where(docstore.EqText(field, value))
			}
			if sort != "" {
				dir := docstore.Ascending
				if desc {
					dir = docstore.Descending
				}
				q = q.Sort(sort, dir)
			}
			if len(fields) != 0 {
				q = q.Project(fields...)
			}
			docs, err := q.Exec(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	cmd.Flags().StringArrayVar(&where, "where", nil, "equality filter field=value, repeatable")
	cmd.Flags().StringVar(&sort, "sort", "", "sort field")
	cmd.Flags().BoolVar(&desc, "desc", false, "sort descending")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "comma separated fields to keep")
	return cmd
}

func newUploadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <name> <file>",
		Short: "Store a file under the media path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			s, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			p, err := s.UploadMedia(cmd.Context(), args[0], content)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p)
			return err
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <collection>",
		Short: "List the commits touching a collection (git backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Backend != config.BackendGit {
				return fmt.Errorf("history needs the git backend, not %q", cfg.Backend)
			}
			p, err := blobrepo.Path(cfg.BasePath, args[0], cfg.Format)
			if err != nil {
				return err
			}
			repo, err := blobrepo.OpenGitRepository(cfg.GitDir, cfg.Branch, "", "")
			if err != nil {
				return err
			}
			lines, err := repo.History(cmd.Context(), p, n)
			if err != nil {
				return err
			}
			for _, l := range lines {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), l); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "maximum number of commits")
	return cmd
}

func newConfigSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config-schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			version, goVersion, revision, dirty := getBuildInfo()
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "blobdb %s\n", version)
			_, _ = fmt.Fprintf(w, "  Go version: %s\n", goVersion)
			_, _ = fmt.Fprintf(w, "  Revision:   %s\n", revision)
			if dirty {
				_, _ = fmt.Fprintf(w, "  Modified:   true\n")
			}
		},
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
