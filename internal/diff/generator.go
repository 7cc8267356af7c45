// Package diff renders unified diffs for file edits. The output is shown to
// the user when a risky edit asks for confirmation and is attached to tool
// result metadata.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const maxDiffInputBytes = 10 * 1024 * 1024

// Generator produces unified diffs.
type Generator struct {
	colorEnabled bool
}

// NewGenerator returns a generator. Color is for terminal display only;
// persisted diffs must stay plain.
func NewGenerator(colorEnabled bool) *Generator {
	return &Generator{colorEnabled: colorEnabled}
}

// Result is a rendered diff with line statistics.
type Result struct {
	UnifiedDiff  string
	AddedLines   int
	DeletedLines int
	IsBinary     bool
}

// Unified diffs oldContent against newContent for display under filename.
func (g *Generator) Unified(oldContent, newContent, filename string) *Result {
	if oldContent == newContent {
		return &Result{}
	}
	if isBinary(oldContent) || isBinary(newContent) {
		return &Result{
			UnifiedDiff: fmt.Sprintf("Binary file %s changed", filename),
			IsBinary:    true,
		}
	}
	if len(oldContent) > maxDiffInputBytes || len(newContent) > maxDiffInputBytes {
		return &Result{
			UnifiedDiff: fmt.Sprintf("--- a/%s\n+++ b/%s\n@@ file too large, diff skipped @@", filename, filename),
		}
	}

	dmp := diffmatchpatch.New()
	lineOld, lineNew, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(lineOld, lineNew, false), lines)

	var body strings.Builder
	added, deleted := 0, 0
	for _, d := range diffs {
		prefix := " "
		var attr color.Attribute
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix, attr = "+", color.FgGreen
			added += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			prefix, attr = "-", color.FgRed
			deleted += countLines(d.Text)
		}
		for _, line := range splitKeepingContent(d.Text) {
			body.WriteString(g.colorize(prefix+line+"\n", attr, d.Type != diffmatchpatch.DiffEqual))
		}
	}

	header := g.colorize("--- a/"+filename+"\n", color.FgRed, true) +
		g.colorize("+++ b/"+filename+"\n", color.FgGreen, true)
	return &Result{
		UnifiedDiff:  header + body.String(),
		AddedLines:   added,
		DeletedLines: deleted,
	}
}

// Summary returns a short change description, e.g. "+3 lines, -1 lines".
func (r *Result) Summary() string {
	if r.IsBinary {
		return "Binary file changed"
	}
	if r.AddedLines == 0 && r.DeletedLines == 0 {
		return "No changes"
	}
	var parts []string
	if r.AddedLines > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.AddedLines))
	}
	if r.DeletedLines > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.DeletedLines))
	}
	return strings.Join(parts, ", ")
}

func (g *Generator) colorize(text string, attr color.Attribute, apply bool) string {
	if !g.colorEnabled || !apply {
		return text
	}
	return color.New(attr).Sprint(text)
}

func countLines(text string) int {
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

func splitKeepingContent(text string) []string {
	trimmed := strings.TrimSuffix(text, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func isBinary(content string) bool {
	limit := len(content)
	if limit > 8000 {
		limit = 8000
	}
	return strings.ContainsRune(content[:limit], 0)
}
