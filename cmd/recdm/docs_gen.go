package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/recdm/pkg/config"
	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/dialogue"
	"github.com/dotsetgreg/recdm/pkg/policy"
)

// Generated pages live under these directories of the docs root. Files in
// the page directories that generation does not produce are stale.
var (
	cliDocsDir = filepath.Join("reference", "cli")
	manDocsDir = filepath.Join("reference", "man")
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)

	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config, policy and shorthand reference pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// docPages maps a path relative to the docs root to the page content.
type docPages map[string][]byte

func (p docPages) sortedPaths() []string {
	paths := make([]string, 0, len(p))
	for rel := range p {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	pages, err := renderReferencePages(rootFactory)
	if err != nil {
		return err
	}
	if checkOnly {
		return checkPages(pages, outputDir)
	}
	return writePages(pages, outputDir)
}

func renderReferencePages(rootFactory func() *cobra.Command) (docPages, error) {
	pages := docPages{}
	root := rootFactory()
	root.DisableAutoGenTag = true
	if err := renderCommandPages(root, pages); err != nil {
		return nil, err
	}
	pages[filepath.Join("reference", "config.md")] = []byte(buildConfigReferenceMarkdown())
	pages[filepath.Join("reference", "policy.md")] = []byte(buildPolicyReferenceMarkdown())
	pages[filepath.Join("reference", "shorthand.md")] = []byte(buildShorthandReferenceMarkdown())
	return pages, nil
}

// renderCommandPages adds a markdown page and a man page for cmd and every
// visible subcommand.
func renderCommandPages(cmd *cobra.Command, pages docPages) error {
	for _, child := range cmd.Commands() {
		if !child.IsAvailableCommand() || child.IsAdditionalHelpTopicCommand() {
			continue
		}
		child.DisableAutoGenTag = true
		if err := renderCommandPages(child, pages); err != nil {
			return err
		}
	}

	base := strings.ReplaceAll(cmd.CommandPath(), " ", "_")
	var md bytes.Buffer
	md.WriteString("# " + cmd.CommandPath() + "\n\n")
	if err := cobraDoc.GenMarkdownCustom(cmd, &md, func(name string) string { return name }); err != nil {
		return fmt.Errorf("markdown for %s: %w", cmd.CommandPath(), err)
	}
	pages[filepath.Join(cliDocsDir, base+".md")] = md.Bytes()

	var man bytes.Buffer
	header := &cobraDoc.GenManHeader{Title: strings.ToUpper(base), Section: "1", Source: appName}
	if err := cobraDoc.GenMan(cmd, header, &man); err != nil {
		return fmt.Errorf("man page for %s: %w", cmd.CommandPath(), err)
	}
	pages[filepath.Join(manDocsDir, base+".1")] = man.Bytes()
	return nil
}

func writePages(pages docPages, outputDir string) error {
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(outputDir, dir)); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, rel := range pages.sortedPaths() {
		dst := filepath.Join(outputDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, pages[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

func checkPages(pages docPages, outputDir string) error {
	for _, rel := range pages.sortedPaths() {
		got, err := os.ReadFile(filepath.Join(outputDir, rel))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", rel)
		}
		if !bytes.Equal(got, pages[rel]) {
			return fmt.Errorf("docs out of date: %s changed; run `recdm docs generate`", rel)
		}
	}
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		entries, err := os.ReadDir(filepath.Join(outputDir, dir))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for _, e := range entries {
			if _, ok := pages[filepath.Join(dir, e.Name())]; !ok {
				return fmt.Errorf("docs out of date: stale %s", filepath.Join(dir, e.Name()))
			}
		}
	}
	return nil
}

// buildConfigReferenceMarkdown lists every config key with its env override
// and the value DefaultConfig gives it.
func buildConfigReferenceMarkdown() string {
	var rows [][4]string
	collectConfigRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "", &rows)
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })

	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Keys of `~/.recdm/config.json`. Env vars override the file; `recdm config show` prints the result.\n\n")
	b.WriteString("| Key | Type | Env Var | Default |\n")
	b.WriteString("| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | `%s` |\n", r[0], r[1], valueOr(r[2], "-"), escapePipes(valueOr(r[3], "-")))
	}
	return b.String()
}

func collectConfigRows(v reflect.Value, prefix string, rows *[][4]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			collectConfigRows(field, key, rows)
			continue
		}
		def, _ := json.Marshal(field.Interface())
		*rows = append(*rows, [4]string{key, f.Type.String(), f.Tag.Get("env"), string(def)})
	}
}

// buildPolicyReferenceMarkdown renders the transition table of both policy
// variants as state x trigger rows. Triggers that leave the state unchanged
// without an act are omitted.
func buildPolicyReferenceMarkdown() string {
	var b strings.Builder
	b.WriteString("# Dialogue Policy Reference\n\n")
	b.WriteString("Generated from `policy.Next` over every state and trigger.\n")

	variants := []struct {
		title string
		opts  policy.Options
	}{
		{"Default", policy.Options{}},
		{"confirm_before_close", policy.Options{ConfirmBeforeClose: true}},
	}
	for _, v := range variants {
		p := policy.New(v.opts)
		b.WriteString("\n## " + v.title + "\n\n")
		b.WriteString("| State | Trigger | Next | Act |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		for _, s := range policy.States() {
			for _, t := range policy.Triggers() {
				d := p.Next(s, t)
				if !d.Changed() {
					continue
				}
				fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", s, t, d.To, valueOr(string(d.Act), "-"))
			}
		}
	}
	return b.String()
}

// buildShorthandReferenceMarkdown documents the chat line syntax from the
// keyword table and the attribute domain.
func buildShorthandReferenceMarkdown() string {
	byIntent := map[dialogue.Intent][]string{}
	for kw, intent := range keywordIntents {
		byIntent[intent] = append(byIntent[intent], kw)
	}
	intents := make([]string, 0, len(byIntent))
	for intent, kws := range byIntent {
		sort.Strings(kws)
		intents = append(intents, string(intent))
	}
	sort.Strings(intents)

	var b strings.Builder
	b.WriteString("# Chat Shorthand Reference\n\n")
	b.WriteString("Each `recdm chat` line is one user act. Words are split on spaces; quote values that contain spaces.\n\n")
	b.WriteString("## Keywords\n\n")
	b.WriteString("| Intent | Keywords |\n")
	b.WriteString("| --- | --- |\n")
	for _, intent := range intents {
		kws := byIntent[dialogue.Intent(intent)]
		fmt.Fprintf(&b, "| %s | `%s` |\n", intent, strings.Join(kws, "`, `"))
	}
	b.WriteString("\n`accept` and `reject` take the candidate ids that follow them. After `remove`, bare attribute names drop every value of that attribute.\n")

	b.WriteString("\n## Slots\n\n")
	b.WriteString("| Form | Meaning |\n")
	b.WriteString("| --- | --- |\n")
	for _, row := range [][2]string{
		{`genre=comedy`, "include"},
		{`genre!=horror`, "exclude"},
		{`year=1990..1999`, "numeric range, bounds in any order"},
		{`genre=comedy!`, "mandatory, never relaxed"},
		{`actor=murray^2`, "priority for lowest_priority relaxation"},
		{`actor="bill murray"`, "quoted value"},
	} {
		fmt.Fprintf(&b, "| `%s` | %s |\n", row[0], row[1])
	}

	multi := map[constraints.Attribute]bool{}
	for _, a := range constraints.DefaultMultiValued {
		multi[a] = true
	}
	b.WriteString("\n## Attributes\n\n")
	b.WriteString("| Attribute | Values accumulate |\n")
	b.WriteString("| --- | --- |\n")
	for _, a := range constraints.Attributes() {
		acc := "no"
		if multi[a] {
			acc = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s |\n", a, acc)
	}
	return b.String()
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
