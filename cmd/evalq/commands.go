package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/evalq/internal/config"
	"github.com/kalambet/evalq/internal/remote"
	"github.com/kalambet/evalq/internal/session"
	"github.com/kalambet/evalq/internal/submission"
	"github.com/kalambet/evalq/internal/tracing"
	"github.com/kalambet/evalq/internal/tui"
)

// startTracing installs the configured span exporter and returns a func
// that flushes it, bounded by shutdownTimeout.
func startTracing(ctx context.Context, cfg config.Config, service string, w io.Writer) (func(), error) {
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		ServiceName:  service,
		Writer:       w,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}, nil
}

// --- evaluate ---

func openSession(ctx context.Context, client *remote.Client, cfg config.Config, logger *slog.Logger) (*session.Session, error) {
	s, err := session.New(client, client, session.Config{
		Evaluator: submission.Evaluator{
			ID:    cfg.Client.EvaluatorID,
			Email: cfg.Client.EvaluatorEmail,
		},
		Notifier:      client,
		VerifyRetries: cfg.Decision.VerifyRetries,
		VerifyBackoff: cfg.Decision.VerifyBackoff,
		StatusTTL:     cfg.Status.TTL,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.LoadQueue(ctx); err != nil {
		s.Close()
		return nil, explain(err, client.BaseURL())
	}
	return s, nil
}

func newEvaluateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Review pending submissions interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := newAPIClient()
			if err != nil {
				return err
			}

			// Log lines would corrupt the screen; send them to a file.
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			logPath := filepath.Join(cfg.Storage.DataDir, "evaluate.log")
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return fmt.Errorf("opening log file: %w", err)
			}
			defer logFile.Close()
			logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			slog.SetDefault(logger)

			stopTracing, err := startTracing(cmd.Context(), cfg, "evalq-evaluate", logFile)
			if err != nil {
				return err
			}
			defer stopTracing()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx, client, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			return tui.Run(ctx, s)
		},
	}
}

// --- decide ---

func newDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <id> <accept|reject>",
		Short: "Accept or reject a submission without the interactive screen",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			d, err := submission.ParseDecision(args[1])
			if err != nil {
				return err
			}

			client, cfg, err := newAPIClient()
			if err != nil {
				return err
			}
			stopTracing, err := startTracing(cmd.Context(), cfg, "evalq-decide", os.Stderr)
			if err != nil {
				return err
			}
			defer stopTracing()

			s, err := openSession(cmd.Context(), client, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer s.Close()

			it, err := s.Decide(cmd.Context(), args[0], d, feedback)
			if err != nil {
				return explain(err, client.BaseURL())
			}
			printSuccess("Successfully %s the application from %s", it.Status, it.FullName)
			return nil
		},
	}
	cmd.Flags().StringP("feedback", "f", "", "feedback for the applicant (required)")
	return cmd
}

// --- queue ---

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			statusFlag, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			st := submission.Status(statusFlag)
			if !st.Valid() {
				return fmt.Errorf("invalid --status %q: want pending, accepted or rejected", statusFlag)
			}

			client, _, err := newAPIClient()
			if err != nil {
				return err
			}
			items, err := client.ListSubmissions(cmd.Context(), st, limit)
			if err != nil {
				return explain(err, client.BaseURL())
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			printSubmissions(cmd.OutOrStdout(), items, st)
			return nil
		},
	}
	cmd.Flags().String("status", string(submission.StatusPending), "status to list: pending, accepted or rejected")
	cmd.Flags().Int("limit", 0, "maximum number of submissions (0 = all)")
	cmd.Flags().Bool("json", false, "print JSON instead of a table")
	cmd.AddCommand(newQueueShowCommand())
	return cmd
}

func newQueueShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a submission and its feedback history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newAPIClient()
			if err != nil {
				return err
			}
			it, err := client.GetSubmission(cmd.Context(), args[0])
			if err != nil {
				return explain(err, client.BaseURL())
			}
			history, err := client.ListFeedback(cmd.Context(), it.ID)
			if err != nil {
				return explain(err, client.BaseURL())
			}

			out := cmd.OutOrStdout()
			printStatus(out, "ID", "%s", it.ID)
			printStatus(out, "Name", "%s", it.FullName)
			printStatus(out, "Email", "%s", it.Email)
			if it.Phone != "" {
				printStatus(out, "Phone", "%s", it.Phone)
			}
			if it.Location != "" {
				printStatus(out, "Location", "%s", it.Location)
			}
			if it.Hobbies != "" {
				printStatus(out, "Hobbies", "%s", it.Hobbies)
			}
			if it.Attachments.ProfilePicPath != "" {
				printStatus(out, "Photo", "%s", it.Attachments.ProfilePicPath)
			}
			if it.Attachments.SourceCodePath != "" {
				printStatus(out, "Source", "%s", it.Attachments.SourceCodePath)
			}
			printStatus(out, "Submitted", "%s (%s)", it.CreatedAt.Format("2006-01-02 15:04"), ago(it.CreatedAt))
			printStatus(out, "Status", "%s", it.Status)
			if it.EvaluatedAt != nil {
				printStatus(out, "Decided", "%s by %s", ago(*it.EvaluatedAt), it.EvaluatedBy)
				printStatus(out, "Feedback", "%s", it.Feedback)
			}

			if len(history) > 0 {
				rows := make([][]string, 0, len(history))
				for _, rec := range history {
					rows = append(rows, []string{ago(rec.CreatedAt), rec.Author, rec.Message})
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderTable([]string{"When", "Author", "Message"}, rows, nil))
			}
			return nil
		},
	}
}

func printSubmissions(w io.Writer, items []submission.Item, st submission.Status) {
	if len(items) == 0 {
		fmt.Fprintf(w, "No %s submissions.\n", st)
		return
	}
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		row := []string{shortID(it.ID), it.FullName, it.Email, ago(it.CreatedAt)}
		if st != submission.StatusPending {
			row = append(row, it.EvaluatedBy)
		}
		rows = append(rows, row)
	}
	headers := []string{"ID", "Name", "Email", "Submitted"}
	if st != submission.StatusPending {
		headers = append(headers, "Decided by")
	}
	fmt.Fprintln(w, renderTable(headers, rows, nil))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- submit ---

func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Add a submission to the queue",
		Long: `Add a submission to the queue.

Examples:
  evalq submit --name "Ada Lovelace" --email ada@example.com
  evalq submit --name "Alan Turing" --email alan@example.com --location London --source-code uploads/turing.zip`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			name, _ := flags.GetString("name")
			email, _ := flags.GetString("email")
			if strings.TrimSpace(name) == "" || strings.TrimSpace(email) == "" {
				return fmt.Errorf("--name and --email are required")
			}
			phone, _ := flags.GetString("phone")
			location, _ := flags.GetString("location")
			hobbies, _ := flags.GetString("hobbies")
			pic, _ := flags.GetString("profile-pic")
			src, _ := flags.GetString("source-code")

			client, _, err := newAPIClient()
			if err != nil {
				return err
			}
			it, err := client.CreateSubmission(cmd.Context(), submission.Item{
				FullName: name,
				Email:    email,
				Phone:    phone,
				Location: location,
				Hobbies:  hobbies,
				Attachments: submission.Attachments{
					ProfilePicPath: pic,
					SourceCodePath: src,
				},
			})
			if err != nil {
				return explain(err, client.BaseURL())
			}
			printSuccess("Queued submission %s", it.ID)
			return nil
		},
	}
	cmd.Flags().String("name", "", "applicant's full name")
	cmd.Flags().String("email", "", "applicant's email address")
	cmd.Flags().String("phone", "", "applicant's phone number")
	cmd.Flags().String("location", "", "applicant's location")
	cmd.Flags().String("hobbies", "", "applicant's hobbies")
	cmd.Flags().String("profile-pic", "", "stored path of the profile picture")
	cmd.Flags().String("source-code", "", "stored path of the source code archive")
	return cmd
}

// --- withdraw ---

func newWithdrawCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Remove a submission from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := client.DeleteSubmission(cmd.Context(), args[0]); err != nil {
				return explain(err, client.BaseURL())
			}
			printSuccess("Withdrew submission %s", args[0])
			return nil
		},
	}
}

// --- audit ---

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "List decided submissions that have no feedback record",
		Long: `List decided submissions that have no feedback record.

A decision commits the status first and appends the feedback record after.
If the second write failed the decision stands; this report finds those
submissions so the record can be added by hand.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := newAPIClient()
			if err != nil {
				return err
			}
			items, err := client.MissingFeedback(cmd.Context())
			if err != nil {
				return explain(err, client.BaseURL())
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Every decision has a feedback record.")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, it := range items {
				decided := "-"
				if it.EvaluatedAt != nil {
					decided = ago(*it.EvaluatedAt)
				}
				rows = append(rows, []string{shortID(it.ID), it.FullName, string(it.Status), it.EvaluatedBy, decided})
			}
			fmt.Fprintln(out, renderTable([]string{"ID", "Name", "Status", "Decided by", "Decided"}, rows, nil))
			printWarning("%d decision(s) missing a feedback record", len(items))
			return nil
		},
	}
}

// --- config ---

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range config.ShowAll(cfg) {
				fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a configuration value.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return err
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Reset a configuration value to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.UnsetKey(args[0]); err != nil {
				return err
			}
			printSuccess("Unset %s", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigFilePath())
		},
	})
	return cmd
}
