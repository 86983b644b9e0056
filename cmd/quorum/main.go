package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boristopalov/quorum/pkg/config"
	"github.com/boristopalov/quorum/pkg/logging"
	"github.com/boristopalov/quorum/pkg/providers"
	"github.com/boristopalov/quorum/pkg/session"
)

type runFlags struct {
	configPath string
	provider   string
	model      string
	issue      string
	steps      int
	timeout    time.Duration
}

func main() {
	for _, envFile := range []string{
		".env",
		"../../.env",
	} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "quorum",
		Short:        "Quorum coordinates a team of debugging agents: it schedules their messages, arbitrates their disagreements and keeps their shared context under a token budget.",
		SilenceUsage: true,
	}

	var flags runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a debugging session for one issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, flags)
		},
	}
	runCmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	runCmd.Flags().StringVar(&flags.provider, "provider", "", "completion provider: scripted, openai or gemini")
	runCmd.Flags().StringVar(&flags.model, "model", "", "model id passed to the provider")
	runCmd.Flags().StringVarP(&flags.issue, "issue", "i", "checkout service returns HTTP 500 since the last deploy", "issue the team should debug")
	runCmd.Flags().IntVarP(&flags.steps, "steps", "n", 3, "number of session steps")
	runCmd.Flags().DurationVar(&flags.timeout, "timeout", 2*time.Minute, "overall session timeout")

	var configPath string
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	configCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(runCmd, configCmd)
	return rootCmd
}

func loadConfig(path string) (*config.KernelConfig, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSession(cmd *cobra.Command, flags runFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.provider != "" {
		cfg.Provider.Name = flags.provider
	}
	if flags.model != "" {
		cfg.Provider.Model = flags.model
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	client, err := providers.New(ctx, cfg.Provider, providers.WithLogger(logger))
	if err != nil {
		return err
	}
	s, err := session.New(cfg, flags.issue, client, session.WithLogger(logger))
	if err != nil {
		return err
	}
	defer s.Stop()

	logger.Info("starting session",
		zap.String("provider", cfg.Provider.Name),
		zap.String("model", cfg.Provider.Model),
		zap.Int("steps", flags.steps))

	reports, err := s.Run(ctx, flags.steps)
	out := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(out, "step %d: handled=%d conflicts=%d resolved=%d escalated=%d follow-ups=%d errors=%d\n",
			r.Step, r.Handled, r.Conflicts, r.Resolved, r.Escalated, r.FollowUps, len(r.AgentErrors))
	}
	if err != nil {
		return fmt.Errorf("session failed: %w", err)
	}

	for _, c := range s.Resolver().History("", "", 0) {
		fmt.Fprintf(out, "\n%s %s (%s, confidence %.2f)\n  %s\n", c.ID, c.State, c.UsedStrategy, c.Confidence, c.Explanation)
	}
	view, err := s.Preserver().GetConversation(s.ConversationID(), session.DefaultRoles[0])
	if err == nil && view.Summary != "" {
		fmt.Fprintf(out, "\nsummary:\n%s\n", view.Summary)
	}
	m := s.Preserver().UsageMetrics()
	fmt.Fprintf(out, "\ncontext: %d tokens preserved, %d elements evicted, %d retrievals\n",
		m.TokensPreserved, m.ElementsEvicted, m.Retrievals)
	return nil
}
