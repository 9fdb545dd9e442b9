package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ptrus/dep-validator/config"
	"github.com/ptrus/dep-validator/events"
	"github.com/ptrus/dep-validator/models"
	"github.com/ptrus/dep-validator/session"
	"github.com/ptrus/dep-validator/worker"
	"github.com/ptrus/dep-validator/workspace"
)

// exitIssues is returned when any checked item is missing, inaccessible or invalid.
const exitIssues = 2

type checkOptions struct {
	repos    bool
	packages bool
	repo     string
	manifest string
	json     bool
}

func newCheckCmd() *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check <folder>",
		Short: "Validate a configuration folder once and report",
		Long: `Validates the repositories and package manifests of a configuration folder
and prints the result. Exits with status 2 when any item has an issue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.repos, "repos", false, "validate every repository")
	cmd.Flags().BoolVar(&opts.packages, "packages", false, "validate every package manifest")
	cmd.Flags().StringVar(&opts.repo, "repo", "", "validate a single repository by name")
	cmd.Flags().StringVar(&opts.manifest, "manifest", "", "validate a single pip-config.yml")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the report as JSON")
	return cmd
}

// checkReport is the outcome of a check run.
type checkReport struct {
	Folder       string              `json:"folder"`
	Errors       []string            `json:"errors,omitempty"`
	Repositories []worker.RepoResult `json:"repositories"`
	Manifests    []manifestReport    `json:"manifests"`
}

type manifestReport struct {
	ToolName     string                 `json:"tool_name"`
	ToolVersion  string                 `json:"tool_version"`
	ManifestPath string                 `json:"manifest_path"`
	Analyze      bool                   `json:"analyze"`
	Errors       []string               `json:"errors,omitempty"`
	AnyIssues    bool                   `json:"any_issues"`
	Results      []worker.PackageResult `json:"results"`
}

// failed reports whether any checked item has an issue.
func (r *checkReport) failed() bool {
	for _, res := range r.Repositories {
		if res.Status.Severity != models.SeverityInfo || strings.HasPrefix(res.Status.Status, models.PrefixInvalid) {
			return true
		}
	}
	for _, m := range r.Manifests {
		if !m.Analyze || m.AnyIssues {
			return true
		}
	}
	return false
}

func runCheck(cmd *cobra.Command, folder string, opts checkOptions) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Logs go to stderr so the report stays clean.
	logger := newLogger(os.Stderr, cfg.Logging.Level)

	eng, err := newEngine(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	progress := events.Discard
	if !opts.json {
		progress = statusPrinter(cmd.ErrOrStderr())
	}
	sess := session.New(eng.worker, progress, nil, logger)

	report, err := check(cmd.Context(), sess, folder, opts)
	if err != nil {
		return err
	}

	if err := writeCheckReport(cmd.OutOrStdout(), report, opts.json); err != nil {
		return err
	}
	if report.failed() {
		return &exitError{code: exitIssues}
	}
	return nil
}

// check loads folder and runs the selected commands to completion.
func check(ctx context.Context, sess *session.Session, folder string, opts checkOptions) (*checkReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ws, err := sess.SelectFolder(ctx, folder)
	if err != nil {
		return nil, err
	}
	report := &checkReport{
		Folder:       ws.Root,
		Errors:       ws.Errors,
		Repositories: []worker.RepoResult{},
		Manifests:    []manifestReport{},
	}

	all := !opts.repos && !opts.packages && opts.repo == "" && opts.manifest == ""
	var runs []*session.Run
	start := func(run *session.Run, err error) error {
		switch {
		case errors.Is(err, session.ErrNotLoaded):
			return nil
		case err != nil:
			return err
		}
		runs = append(runs, run)
		return nil
	}

	if all || opts.repos {
		if err := start(sess.ValidateAllRepos(ctx)); err != nil {
			return nil, err
		}
	} else if opts.repo != "" {
		if err := start(sess.ValidateRepo(ctx, opts.repo)); err != nil {
			return nil, err
		}
	}

	if all || opts.packages {
		if err := start(sess.ValidateAllManifests(ctx)); err != nil {
			return nil, err
		}
	} else if opts.manifest != "" {
		path, err := filepath.Abs(opts.manifest)
		if err != nil {
			return nil, err
		}
		if err := start(sess.ValidateManifest(ctx, path)); err != nil {
			return nil, err
		}
	}

	for _, run := range runs {
		run.Wait()
		report.Repositories = append(report.Repositories, run.Repos().Results...)
		for _, batch := range run.Manifests() {
			report.Manifests = append(report.Manifests, newManifestReport(ws, batch))
		}
	}

	return report, nil
}

func newManifestReport(ws *workspace.Workspace, batch worker.ManifestBatch) manifestReport {
	r := manifestReport{
		ManifestPath: batch.ManifestPath,
		AnyIssues:    batch.AnyIssues,
		Results:      batch.Results,
	}
	if m, ok := ws.Manifest(batch.ManifestPath); ok {
		r.ToolName = m.ToolName
		r.ToolVersion = m.ToolVersion
		r.Analyze = m.Analyze
		r.Errors = m.Errors
	}
	return r
}

// statusPrinter prints progress messages as they arrive.
func statusPrinter(w io.Writer) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		if s, ok := e.Payload.(events.StatusText); ok {
			_, _ = fmt.Fprintln(w, faintStyle.Render(s.Text))
		}
	})
}

func writeCheckReport(w io.Writer, report *checkReport, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	_, _ = fmt.Fprintln(w, boldStyle.Render("FOLDER:")+" "+report.Folder)
	for _, e := range report.Errors {
		_, _ = fmt.Fprintln(w, "  "+redStyle.Render(e))
	}

	if len(report.Repositories) > 0 {
		_, _ = fmt.Fprintln(w, boldStyle.Render("REPOSITORIES:"))
		for _, r := range report.Repositories {
			_, _ = fmt.Fprintf(w, "  %-24s %-12s %s\n",
				r.Repository.Name, r.Repository.GitRef, repoStyle(r.Status).Render(r.Status.Status))
		}
	}

	for _, m := range report.Manifests {
		_, _ = fmt.Fprintf(w, "%s %s %s\n",
			boldStyle.Render(strings.ToUpper(m.ToolName)), m.ToolVersion, faintStyle.Render(m.ManifestPath))
		if !m.Analyze {
			for _, e := range m.Errors {
				_, _ = fmt.Fprintln(w, "  "+redStyle.Render(e))
			}
			continue
		}
		for _, p := range m.Results {
			_, _ = fmt.Fprintf(w, "  %-24s %-12s %s\n",
				p.Package.Name, p.Package.Version, packageStyle(p.Status).Render(p.Status.Status))
		}
	}

	return nil
}
