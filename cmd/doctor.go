package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ptrus/dep-validator/config"
	"github.com/ptrus/dep-validator/credentials"
	"github.com/ptrus/dep-validator/executor"
	"github.com/ptrus/dep-validator/hostlimit"
	"github.com/ptrus/dep-validator/workspace"
)

const gitProbeTimeout = 5 * time.Second

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor [folder]",
		Short: "Check the environment and credentials used for validation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := ""
			if len(args) == 1 {
				folder = args[0]
			}
			return runDoctor(cmd, folder, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the checks as JSON")
	return cmd
}

type healthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warning", "error"
	Summary string `json:"summary"`
}

func runDoctor(cmd *cobra.Command, folder string, asJSON bool) error {
	var checks []healthCheck

	cfg, err := config.Load(cfgFile)
	if err != nil {
		checks = append(checks, healthCheck{Name: "Config", Status: "error", Summary: err.Error()})
		return writeDoctorResult(cmd.OutOrStdout(), checks, asJSON)
	}
	checks = append(checks, healthCheck{
		Name:   "Config",
		Status: "ok",
		Summary: fmt.Sprintf("parallel_jobs=%d max_requests_per_host=%d git_timeout=%s",
			cfg.Validation.ParallelJobs, cfg.Validation.MaxRequestsPerHost, cfg.Validation.GitTimeoutDuration()),
	})

	checks = append(checks, checkGit(cmd.Context(), executor.ExecRunner{}))
	checks = append(checks, checkIndexAuth(credentials.IndexAuthFromEnv(cfg.Validation.IndexUserEnv, cfg.Validation.IndexPassEnv), cfg.Validation))

	if folder != "" {
		ws, err := workspace.Load(folder)
		if err != nil {
			checks = append(checks, healthCheck{Name: "Folder", Status: "error", Summary: err.Error()})
			return writeDoctorResult(cmd.OutOrStdout(), checks, asJSON)
		}
		checks = append(checks, checkWorkspace(ws))
		checks = append(checks, checkHosts(ws, credentials.LookupNetrc)...)
	}

	return writeDoctorResult(cmd.OutOrStdout(), checks, asJSON)
}

func checkGit(ctx context.Context, runner executor.Runner) healthCheck {
	if ctx == nil {
		ctx = context.Background()
	}
	res := runner.Run(ctx, []string{"git", "--version"}, "", nil, gitProbeTimeout)
	if res.ExitCode != 0 {
		return healthCheck{Name: "Git", Status: "error", Summary: strings.TrimSpace(res.Stderr)}
	}
	return healthCheck{Name: "Git", Status: "ok", Summary: strings.TrimSpace(res.Stdout)}
}

func checkIndexAuth(auth credentials.IndexAuth, v config.ValidationConfig) healthCheck {
	switch {
	case auth.Valid():
		return healthCheck{Name: "Index auth", Status: "ok", Summary: "basic auth from " + v.IndexUserEnv + "/" + v.IndexPassEnv}
	case auth.User != "" || auth.Pass != "":
		return healthCheck{Name: "Index auth", Status: "warning",
			Summary: fmt.Sprintf("only one of %s/%s is set, requests are anonymous", v.IndexUserEnv, v.IndexPassEnv)}
	default:
		return healthCheck{Name: "Index auth", Status: "ok", Summary: "anonymous"}
	}
}

func checkWorkspace(ws *workspace.Workspace) healthCheck {
	summary := fmt.Sprintf("%d repositories, %d manifests", len(ws.Repositories), len(ws.Manifests))
	unparsed := 0
	for _, m := range ws.Manifests {
		if !m.Analyze {
			unparsed++
		}
	}
	switch {
	case len(ws.Errors) > 0:
		return healthCheck{Name: "Folder", Status: "error", Summary: summary + ": " + strings.Join(ws.Errors, "; ")}
	case unparsed > 0:
		return healthCheck{Name: "Folder", Status: "warning", Summary: fmt.Sprintf("%s, %d unparsable", summary, unparsed)}
	case ws.SourceCodeConfig == "":
		return healthCheck{Name: "Folder", Status: "warning", Summary: summary + ", no " + workspace.SourceCodeFile}
	default:
		return healthCheck{Name: "Folder", Status: "ok", Summary: summary}
	}
}

type netrcLookup func(machine string) (credentials.Machine, string, bool)

// checkHosts reports, per remote host of the folder, where credentials come from.
func checkHosts(ws *workspace.Workspace, lookup netrcLookup) []healthCheck {
	ssh := map[string]bool{}
	for _, r := range ws.Repositories {
		host := hostlimit.HostKey(r.GitURL)
		ssh[host] = ssh[host] || isSSH(r.GitURL)
	}
	for _, m := range ws.Manifests {
		for _, p := range m.Packages {
			if p.IndexURL == "" {
				continue
			}
			if host := hostlimit.HostKey(p.IndexURL); !ssh[host] {
				ssh[host] = false
			}
		}
	}

	hosts := make([]string, 0, len(ssh))
	for h := range ssh {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	checks := make([]healthCheck, 0, len(hosts))
	for _, host := range hosts {
		name := "Host " + host
		switch {
		case host == hostlimit.Unknown:
			checks = append(checks, healthCheck{Name: name, Status: "warning", Summary: "unparsable remote URL"})
		case ssh[host]:
			checks = append(checks, healthCheck{Name: name, Status: "ok", Summary: "ssh keys"})
		default:
			if m, path, ok := lookup(host); ok {
				kind := "netrc login"
				if m.Default {
					kind = "netrc default login"
				}
				checks = append(checks, healthCheck{Name: name, Status: "ok", Summary: fmt.Sprintf("%s %q from %s", kind, m.Login, path)})
			} else {
				checks = append(checks, healthCheck{Name: name, Status: "ok", Summary: "no netrc entry"})
			}
		}
	}
	return checks
}

func isSSH(rawURL string) bool {
	return strings.HasPrefix(rawURL, "ssh://") || !strings.Contains(rawURL, "://")
}

func writeDoctorResult(w io.Writer, checks []healthCheck, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(checks, "", "  ")
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, string(data))
		return nil
	}

	_, _ = fmt.Fprintln(w, boldStyle.Render("ENVIRONMENT:"))
	for _, c := range checks {
		var statusStr string
		switch c.Status {
		case "ok":
			statusStr = greenStyle.Render("OK")
		case "warning":
			statusStr = yellowStyle.Render("WARN")
		case "error":
			statusStr = redStyle.Render("ERROR")
		}
		_, _ = fmt.Fprintf(w, "  %-24s %s    %s\n", c.Name+":", statusStr, c.Summary)
	}

	return nil
}
