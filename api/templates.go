package api

import (
	"fmt"
	"html/template"
	"time"

	"github.com/ptrus/dep-validator/models"
)

var templateFuncs = template.FuncMap{
	"severityClass": severityClass,
	"packageClass":  packageClass,
	"since":         since,
	"deref":         func(b *bool) bool { return b != nil && *b },
}

// severityClass maps a repository severity to the badge colours of the panel.
func severityClass(s models.Severity, status string) string {
	switch {
	case s == models.SeverityAccessError:
		return "bg-red-50 border-red-200 text-red-700"
	case s == models.SeverityMissing:
		return "bg-amber-50 border-amber-200 text-amber-700"
	case status == models.StatusNotValidated || status == models.StatusRunning:
		return "bg-slate-50 border-slate-200 text-slate-600"
	default:
		return "bg-emerald-50 border-emerald-200 text-emerald-700"
	}
}

// packageClass maps a package validity to the badge colours of the panel.
func packageClass(valid *bool) string {
	switch {
	case valid == nil:
		return "bg-slate-50 border-slate-200 text-slate-600"
	case *valid:
		return "bg-emerald-50 border-emerald-200 text-emerald-700"
	default:
		return "bg-red-50 border-red-200 text-red-700"
	}
}

// since renders a timestamp relative to now, or nothing for the zero time.
func since(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return t.Local().Format("2006-01-02 15:04")
	}
}

var repoRowsTemplate = `{{range .}}<!-- Repository: {{.Name}} -->
<tr class="border-b border-slate-100" data-repo="{{.Name}}">
    <td class="py-3 pr-4 font-semibold text-slate-900">{{.Name}}</td>
    <td class="py-3 pr-4 font-mono text-xs text-slate-600 break-all">{{.GitURL}}</td>
    <td class="py-3 pr-4"><span class="px-2 py-1 bg-slate-100 text-slate-700 rounded-md text-xs font-mono">{{.GitRef}}</span></td>
    <td class="py-3 pr-4">
        <span class="inline-block px-3 py-1 border rounded-md text-xs font-semibold {{severityClass .Status.Severity .Status.Status}}">{{.Status.Status}}</span>
        <div class="text-xs text-slate-400 mt-1">{{since .Status.Timestamp}}</div>
    </td>
    <td class="py-3 text-right">
        <button class="validate-repo px-3 py-1 border border-slate-300 rounded-md text-xs hover:bg-slate-50" data-name="{{.Name}}">Validate</button>
    </td>
</tr>
{{else}}
<tr><td colspan="5" class="py-6 text-center text-slate-400 italic">No repositories loaded</td></tr>
{{end}}`

var manifestCardsTemplate = `{{range .}}<!-- Manifest: {{.ManifestPath}} -->
<div class="bg-white border border-slate-200 rounded-lg p-6 shadow-sm" data-manifest="{{.ManifestPath}}">
    <div class="flex justify-between items-start mb-4">
        <div>
            <h3 class="text-xl font-bold text-slate-900">{{.ToolName}}</h3>
            <span class="inline-block px-3 py-1 bg-slate-100 text-slate-700 rounded-md text-sm font-semibold">{{.ToolVersion}}</span>
        </div>
        <div class="flex items-center gap-2">
            {{if .AnyIssues}}{{if deref .AnyIssues}}
            <span class="px-3 py-1 bg-red-50 border border-red-200 text-red-700 rounded-md text-xs font-semibold">Issues</span>
            {{else}}
            <span class="px-3 py-1 bg-emerald-50 border border-emerald-200 text-emerald-700 rounded-md text-xs font-semibold">All valid</span>
            {{end}}{{end}}
            {{if .Analyze}}
            <button class="validate-manifest px-3 py-1 border border-slate-300 rounded-md text-xs hover:bg-slate-50" data-path="{{.ManifestPath}}">Validate</button>
            {{end}}
        </div>
    </div>
    <div class="text-xs font-mono text-slate-500 mb-4 break-all">{{.ManifestPath}}</div>
    {{range .Errors}}
    <div class="mb-2 px-3 py-2 bg-red-50 border border-red-200 text-red-700 rounded-md text-xs">{{.}}</div>
    {{end}}
    <table class="w-full text-sm">
        {{range .Packages}}
        <tr class="border-t border-slate-100">
            <td class="py-2 pr-4 font-medium text-slate-900">{{.Name}}</td>
            <td class="py-2 pr-4 font-mono text-xs text-slate-600">{{.Version}}</td>
            <td class="py-2 text-right">
                <span class="inline-block px-3 py-1 border rounded-md text-xs font-semibold {{packageClass .Status.Valid}}">{{.Status.Status}}</span>
            </td>
        </tr>
        {{else}}
        <tr><td class="py-2 text-slate-400 italic">No packages</td></tr>
        {{end}}
    </table>
</div>
{{else}}
<div class="text-center text-slate-400 italic py-6">No PIP configurations loaded</div>
{{end}}`
