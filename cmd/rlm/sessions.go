package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/storage/sqlite"
)

var (
	statusFilter string
	kindFilter   string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Inspect recorded sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's executions and transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, running, completed, failed)")
	sessionsListCmd.Flags().StringVar(&kindFilter, "kind", "", "Filter by kind (repl, rlm)")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.SessionListOptions{
		Status: storage.SessionStatus(statusFilter),
		Kind:   storage.SessionKind(kindFilter),
		Limit:  limitFlag,
	}

	sessions, err := store.ListSessions(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	fmt.Printf("%-10s %-5s %-10s %-40s %-15s %s\n", "ID", "KIND", "STATUS", "TITLE", "MODEL", "UPDATED")
	fmt.Println(strings.Repeat("─", 98))

	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-10s %-5s %-10s %-40s %-15s %s\n",
			s.ID[:8], s.Kind, s.Status, clip(title, 38), clip(s.Model, 13), timeAgo(s.UpdatedAt))
	}

	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Kind:     %s\n", sess.Kind)
	fmt.Printf("Title:    %s\n", sess.Title)
	fmt.Printf("Status:   %s\n", sess.Status)
	if sess.Provider != "" {
		fmt.Printf("Provider: %s\n", sess.Provider)
		fmt.Printf("Model:    %s\n", sess.Model)
	}
	if sess.Profile != "" {
		fmt.Printf("Profile:  %s\n", sess.Profile)
	}
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", sess.UpdatedAt.Format(time.RFC3339))

	execs, err := store.ListExecutions(ctx, sess.ID)
	if err != nil {
		return err
	}

	fmt.Printf("\nExecutions: %d\n", len(execs))
	fmt.Println(strings.Repeat("─", 60))
	for _, e := range execs {
		fmt.Printf("\n\033[36m[%d]\033[0m \033[90m%s, %s\033[0m\n", e.Seq, e.Mode, e.Duration.Round(time.Millisecond))
		for _, line := range strings.Split(truncate(e.Code, 400), "\n") {
			fmt.Printf("  %s\n", line)
		}
		if e.Stdout != "" {
			printPreview(e.Stdout, 4)
		}
		switch {
		case e.Error != "":
			fmt.Printf("  \033[31m%s: %s\033[0m\n", e.ErrorKind, truncate(e.Error, 200))
		case e.Display != "":
			fmt.Printf("  \033[32m=> %s\033[0m\n", truncate(e.Display, 200))
		}
	}

	messages, err := store.LoadMessages(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	fmt.Printf("\nTranscript: %d messages\n", len(messages))
	fmt.Println(strings.Repeat("─", 60))
	for _, m := range messages {
		switch m.Role {
		case "system":
			continue
		case "user":
			fmt.Printf("\n\033[36muser>\033[0m %s\n", truncate(m.Content, 200))
		case "assistant":
			fmt.Printf("\n\033[32mmodel>\033[0m %s\n", truncate(m.Content, 200))
		}
	}

	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("Delete session %s - %q? [y/N] ", sess.ID[:8], title)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", sess.ID[:8])
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	execs, err := store.ListExecutions(ctx, sess.ID)
	if err != nil {
		return err
	}
	messages, err := store.LoadMessages(ctx, sess.ID)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(sess, execs, messages)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		output = storage.ExportMarkdown(sess, execs, messages)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func clip(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
