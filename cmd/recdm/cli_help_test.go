package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestRootHelpListsCommands(t *testing.T) {
	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, want := range []string{"chat", "serve", "sessions", "config", "version"} {
		if !strings.Contains(output, want) {
			t.Errorf("root help is missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "docs") {
		t.Errorf("docs command should stay hidden:\n%s", output)
	}
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	if _, err := runRootCommandForTest(); err == nil {
		t.Fatal("expected an error without a subcommand")
	}
}

func TestSessionsHelp(t *testing.T) {
	output, err := runRootCommandForTest("sessions", "--help")
	if err != nil {
		t.Fatalf("execute sessions --help: %v", err)
	}
	for _, want := range []string{"list", "show", "prune"} {
		if !strings.Contains(output, want) {
			t.Errorf("sessions help is missing %q:\n%s", want, output)
		}
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	output, err := runRootCommandForTest("config", "init", "--config", path)
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, output)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := runRootCommandForTest("config", "init", "--config", path); err == nil {
		t.Fatal("expected config init to refuse overwriting without --force")
	}

	t.Setenv("RECDM_DIALOGUE_CLARIFY_THRESHOLD", "11")
	output, err = runRootCommandForTest("config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(output, `"clarify_threshold": 11`) {
		t.Fatalf("config show should include env override:\n%s", output)
	}
}

func TestSessionsListEmptyMemoryStore(t *testing.T) {
	t.Setenv("RECDM_STORE_DRIVER", "memory")
	path := filepath.Join(t.TempDir(), "config.json")

	output, err := runRootCommandForTest("sessions", "list", "--config", path)
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(output, "No sessions.") {
		t.Fatalf("unexpected output:\n%s", output)
	}
}

func TestPrefsSetGetList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RECDM_STORE_DRIVER", "sqlite")
	t.Setenv("RECDM_STORE_PATH", filepath.Join(dir, "sessions.db"))
	path := filepath.Join(dir, "config.json")

	output, err := runRootCommandForTest("prefs", "list", "-u", "alice", "--config", path)
	if err != nil {
		t.Fatalf("prefs list: %v", err)
	}
	if !strings.Contains(output, "No overrides.") {
		t.Fatalf("unexpected output:\n%s", output)
	}

	if _, err := runRootCommandForTest("prefs", "set", "-u", "alice", "--config", path, "--", "genre=horror", "-0.5"); err != nil {
		t.Fatalf("prefs set: %v", err)
	}
	if _, err := runRootCommandForTest("prefs", "set", "-u", "alice", "--config", path, "colour=red", "1"); err == nil {
		t.Fatal("expected unknown attribute to fail")
	}

	output, err = runRootCommandForTest("prefs", "get", "-u", "alice", "--config", path, "genre=horror", "genre=comedy")
	if err != nil {
		t.Fatalf("prefs get: %v", err)
	}
	for _, want := range []string{"genre=horror -0.50", "genre=comedy +0.00"} {
		if !strings.Contains(output, want) {
			t.Errorf("prefs get is missing %q:\n%s", want, output)
		}
	}

	output, err = runRootCommandForTest("prefs", "list", "-u", "alice", "--config", path)
	if err != nil {
		t.Fatalf("prefs list: %v", err)
	}
	if !strings.Contains(output, "genre=horror") {
		t.Fatalf("override not listed:\n%s", output)
	}
}

func TestPrefsRequiresUser(t *testing.T) {
	if _, err := runRootCommandForTest("prefs", "list"); err == nil {
		t.Fatal("expected --user to be required")
	}
}

func TestDocsGenerateAndCheck(t *testing.T) {
	out := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }

	if err := generateDocumentation(factory, out, false); err != nil {
		t.Fatalf("generate docs: %v", err)
	}
	for _, rel := range []string{
		"reference/config.md",
		"reference/policy.md",
		"reference/shorthand.md",
		"reference/cli/recdm.md",
		"reference/cli/recdm_prefs_set.md",
		"reference/man/recdm_chat.1",
	} {
		if _, err := os.Stat(filepath.Join(out, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
	if err := generateDocumentation(factory, out, true); err != nil {
		t.Fatalf("fresh docs should pass --check: %v", err)
	}

	leftover := filepath.Join(out, "reference", "cli", "recdm_removed.md")
	if err := os.WriteFile(leftover, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := generateDocumentation(factory, out, true); err == nil {
		t.Fatal("expected --check to fail on a page of a removed command")
	}
	if err := generateDocumentation(factory, out, false); err != nil {
		t.Fatalf("regenerate docs: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("regenerating should drop stale pages, stat err = %v", err)
	}

	if err := os.WriteFile(filepath.Join(out, "reference", "policy.md"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := generateDocumentation(factory, out, true); err == nil {
		t.Fatal("expected --check to fail on stale docs")
	}
}

func TestShorthandReferenceListsKeywords(t *testing.T) {
	ref := buildShorthandReferenceMarkdown()
	for _, want := range []string{"| accept | `accept`, `pick` |", "| reject_all | `none`, `reject_all` |", "`genre!=horror`", "| genre | yes |", "| decade | no |"} {
		if !strings.Contains(ref, want) {
			t.Errorf("shorthand reference is missing %q:\n%s", want, ref)
		}
	}
}

func TestConfigReferenceHasDefaults(t *testing.T) {
	ref := buildConfigReferenceMarkdown()
	for _, want := range []string{
		"| `dialogue.clarify_threshold` | `int` | `RECDM_DIALOGUE_CLARIFY_THRESHOLD` | `20` |",
		"| `store.driver` | `string` | `RECDM_STORE_DRIVER` | `\"sqlite\"` |",
	} {
		if !strings.Contains(ref, want) {
			t.Errorf("config reference is missing %q", want)
		}
	}
}

func TestPolicyReferenceCoversVariants(t *testing.T) {
	ref := buildPolicyReferenceMarkdown()
	for _, want := range []string{"## Default", "## confirm_before_close", "| Greeting |", "Farewell", "ConfirmRecommendation"} {
		if !strings.Contains(ref, want) {
			t.Errorf("policy reference is missing %q", want)
		}
	}
}

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}
