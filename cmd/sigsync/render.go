package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/vango-dev/sigsync/pkg/client"
)

var (
	added   = color.New(color.FgGreen).SprintFunc()
	removed = color.New(color.FgRed).SprintFunc()
)

// diffContext is the number of unchanged lines kept around each change.
const diffContext = 2

// formatUpdate renders one line describing u.
func formatUpdate(u client.Update) string {
	var tag string
	switch {
	case u.Hydrate:
		tag = " " + faint("(snapshot)")
	case u.Local:
		tag = " " + faint("(local)")
	}
	return fmt.Sprintf("%s %s%s %s", bold(u.Signal), faint(fmt.Sprintf("@%d", u.Version)), tag, compact(u.Snapshot))
}

func compact(doc []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return string(doc)
	}
	return buf.String()
}

func indent(doc []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return string(doc) + "\n"
	}
	buf.WriteByte('\n')
	return buf.String()
}

// renderDiff returns a line diff of two JSON documents, pretty-printed,
// with unchanged runs collapsed to diffContext lines of context.
func renderDiff(old, new []byte) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(indent(old), indent(new))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for i, d := range diffs {
		text := strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, line := range text {
				out.WriteString(added("+ " + line))
				out.WriteByte('\n')
			}
		case diffmatchpatch.DiffDelete:
			for _, line := range text {
				out.WriteString(removed("- " + line))
				out.WriteByte('\n')
			}
		case diffmatchpatch.DiffEqual:
			writeContext(&out, text, i > 0, i < len(diffs)-1)
		}
	}
	return out.String()
}

// writeContext writes unchanged lines, keeping only those next to a change.
func writeContext(out *strings.Builder, lines []string, afterChange, beforeChange bool) {
	keep := make([]bool, len(lines))
	for i := range lines {
		if afterChange && i < diffContext {
			keep[i] = true
		}
		if beforeChange && i >= len(lines)-diffContext {
			keep[i] = true
		}
	}
	skipped := false
	for i, line := range lines {
		if !keep[i] {
			if !skipped {
				out.WriteString(faint("  ..."))
				out.WriteByte('\n')
				skipped = true
			}
			continue
		}
		skipped = false
		out.WriteString("  " + line)
		out.WriteByte('\n')
	}
}
