package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/recdm/pkg/config"
	"github.com/dotsetgreg/recdm/pkg/constraints"
	"github.com/dotsetgreg/recdm/pkg/dialogue"
	"github.com/dotsetgreg/recdm/pkg/sessionstore"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	debug      bool
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var (
		showVersion bool
		flags       rootFlags
	)

	root := &cobra.Command{
		Use:   "recdm",
		Short: "Conversational recommender dialogue manager",
		Long: strings.TrimSpace(`recdm keeps the belief state of a recommendation dialogue, decides the next
system act and drives the constraint relaxation loop against a candidate catalog.

Use chat for an interactive session over the act shorthand, serve to run the
JSON-lines gateway, and sessions to inspect or prune persisted dialogues.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (default ~/.recdm/config.json)")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newChatCommand(&flags))
	root.AddCommand(newServeCommand(&flags))
	root.AddCommand(newSessionsCommand(&flags))
	root.AddCommand(newPrefsCommand(&flags))
	root.AddCommand(newConfigCommand(&flags))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

// openApp loads config, sets up logging and assembles the dialogue stack.
func openApp(flags *rootFlags) (*app, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	initLogging(cfg, flags.debug)
	return newApp(cfg)
}

func newChatCommand(flags *rootFlags) *cobra.Command {
	var (
		session  string
		user     string
		messages []string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive dialogue over the act shorthand",
		Long: strings.TrimSpace(`Run a dialogue from the terminal. Each line is one user act written in the
shorthand (genre=comedy, genre!=horror, year=1990..1999, accept m2, reject_all,
yes, no, more, quit). Type :help for the full list.`),
		Example: strings.Join([]string{
			"  recdm chat",
			"  recdm chat --user alice",
			"  recdm chat -m \"genre=comedy decade=1990s\" -m \"accept m002\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c := &chatSession{app: a, sessionID: session, userID: user, out: cmd.OutOrStdout()}
			if len(messages) > 0 {
				return runOneShot(ctx, c, messages)
			}
			fmt.Fprintf(c.out, "%s Interactive mode (Ctrl+C to exit, :help for syntax)\n\n", appName)
			return interactiveMode(ctx, c)
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "Resume this session id (new session when empty)")
	cmd.Flags().StringVarP(&user, "user", "u", "cli", "User id for the cross-session choice log")
	cmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "One-shot turn; repeat for several turns")
	return cmd
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway over JSON lines on stdin/stdout",
		Long: strings.TrimSpace(`Read one InboundMessage JSON document per line from stdin, run the turns on
the worker pool and write one OutboundMessage per line to stdout. Turns of a
session run in order; idle sessions are pruned on the configured schedule.`),
		Example: strings.Join([]string{
			`  echo '{"session_id":"s1","act":{"intents":["inform"],"slots":[{"attribute":"genre","value":"comedy"}]}}' | recdm serve`,
			"  recdm serve --metrics-addr :9090 < turns.jsonl",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				serveMetrics(ctx, metricsAddr)
			}
			return runServe(ctx, a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose /metrics and /health on this address")
	return cmd
}

func newSessionsCommand(flags *rootFlags) *cobra.Command {
	sessionsRoot := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune persisted sessions",
	}

	var (
		user  string
		limit int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List sessions, most recently updated first",
		Example: "  recdm sessions list --user alice --limit 10",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			recs, err := a.store.List(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tUSER\tSTATE\tVERSION\tUPDATED")
			for _, r := range recs {
				state := r.State
				if r.Terminated {
					state += " (closed)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.SessionID, valueOr(r.UserID, "-"), state, r.Version, r.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVarP(&user, "user", "u", "", "Only sessions of this user")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows (0 for all)")

	show := &cobra.Command{
		Use:     "show <session-id>",
		Short:   "Print a session snapshot, its state flags and the user's choice summary",
		Args:    cobra.ExactArgs(1),
		Example: "  recdm sessions show 3f2a...",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()
			return showSession(cmd.Context(), a, args[0], cmd.OutOrStdout())
		},
	}

	var idle time.Duration
	prune := &cobra.Command{
		Use:     "prune",
		Short:   "Delete sessions idle for longer than --idle",
		Example: "  recdm sessions prune --idle 2h",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if idle <= 0 {
				idle = a.cfg.IdleTimeout()
			}
			n, err := a.manager.Prune(cmd.Context(), idle)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d session(s) idle for more than %s.\n", n, idle)
			return nil
		},
	}
	prune.Flags().DurationVar(&idle, "idle", 0, "Idle cutoff (default gateway.idle_timeout_minutes)")

	sessionsRoot.AddCommand(list, show, prune)
	return sessionsRoot
}

type sessionView struct {
	Snapshot       dialogue.Snapshot            `json:"snapshot"`
	Flags          dialogue.Flags               `json:"flags"`
	Choices        *sessionstore.ChoiceSummary  `json:"choices,omitempty"`
	TagPreferences []sessionstore.TagPreference `json:"tag_preferences,omitempty"`
}

func showSession(ctx context.Context, a *app, id string, out io.Writer) error {
	s, err := a.manager.Session(ctx, id)
	if err != nil {
		return err
	}
	view := sessionView{Snapshot: s.Snapshot(), Flags: s.Flags()}
	if s.UserID != "" {
		sum, err := sessionstore.Summarize(ctx, a.store, s.UserID)
		if err != nil {
			return err
		}
		view.Choices = &sum
		view.TagPreferences, err = a.store.ListTagPreferences(ctx, s.UserID)
		if err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func newPrefsCommand(flags *rootFlags) *cobra.Command {
	var user string
	prefsRoot := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect or override per-user tag preferences",
		Long: strings.TrimSpace(`A tag preference in [-1, 1] says how much a user likes attr=value. Without an
override it is the average of the user's accepts (+1) and rejects (-1) on
catalog items carrying the tag. Informed tags get a matching constraint
priority, so tags the user dislikes are relaxed first.`),
	}
	prefsRoot.PersistentFlags().StringVarP(&user, "user", "u", "", "User id (required)")
	_ = prefsRoot.MarkPersistentFlagRequired("user")

	get := &cobra.Command{
		Use:     "get <attr=value>...",
		Short:   "Print the effective preference of each tag",
		Args:    cobra.MinimumNArgs(1),
		Example: "  recdm prefs get -u alice genre=comedy decade=1990s",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, arg := range args {
				attr, value, err := parseTag(arg)
				if err != nil {
					return err
				}
				pref, err := sessionstore.LookupTagPreference(cmd.Context(), a.store, a.catalog, user, attr, value)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s %+.2f\n", attr, value, pref)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:     "set <attr=value> <preference>",
		Short:   "Store an explicit preference that overrides the computed one",
		Args:    cobra.ExactArgs(2),
		Example: strings.Join([]string{
			"  recdm prefs set -u alice genre=comedy 0.8",
			"  recdm prefs set -u alice -- genre=horror -1",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			attr, value, err := parseTag(args[0])
			if err != nil {
				return err
			}
			pref, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("preference %q: %w", args[1], err)
			}
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.SetTagPreference(cmd.Context(), user, attr, value, pref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s=%s to %+.2f for %s.\n", attr, value, pref, user)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the stored overrides of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			prefs, err := a.store.ListTagPreferences(cmd.Context(), user)
			if err != nil {
				return err
			}
			if len(prefs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No overrides.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tPREFERENCE")
			for _, p := range prefs {
				fmt.Fprintf(w, "%s=%s\t%+.2f\n", p.Attribute, p.Value, p.Preference)
			}
			return w.Flush()
		},
	}

	prefsRoot.AddCommand(get, set, list)
	return prefsRoot
}

func parseTag(raw string) (constraints.Attribute, string, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(value) == "" {
		return "", "", fmt.Errorf("tag %q: want attr=value", raw)
	}
	attr, err := constraints.ParseAttribute(name)
	if err != nil {
		return "", "", err
	}
	return attr, strings.TrimSpace(value), nil
}

func newConfigCommand(flags *rootFlags) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration file",
	}

	show := &cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration (file, defaults and RECDM_* env)",
		Example: "  RECDM_DIALOGUE_CLARIFY_THRESHOLD=10 recdm config show",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write the default configuration file",
		Example: "  recdm config init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath(flags.configPath)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	configRoot.AddCommand(show, initCmd)
	return configRoot
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  recdm version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
