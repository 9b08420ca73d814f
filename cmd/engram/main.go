package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"engram/internal/ambient"
	"engram/internal/config"
	"engram/internal/correlate"
	"engram/internal/lifecycle"
	"engram/internal/logging"
	"engram/internal/store"
	"engram/internal/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Logger
	logger *zap.Logger

	// Wired engine
	cfg       *config.Config
	st        *store.Store
	manager   *lifecycle.Manager
	engine    *correlate.Engine
	recorder  *ambient.Recorder
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - local memory engine for development assistants",
	Long: `engram is a local, single-node memory engine. It stores short-lived
conversations with FIFO eviction, tracks conversation lifecycle through a
workflow state machine, and retroactively correlates ambient development
telemetry with the conversation turns that most likely caused it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("Debug logging unavailable", zap.Error(err))
		}

		path := configPath
		if path == "" {
			path = filepath.Join(workspace, ".engram", "config.yaml")
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		st, err = store.New(cfg.Memory.DatabasePath, cfg.Memory.MaxConversations)
		if err != nil {
			return err
		}

		manager = lifecycle.NewManager(st, cfg.Session.IdleThresholdSec, cfg.GetSessionCacheTTL())
		engine = correlate.NewEngine(st, time.Duration(cfg.Correlation.WindowSec)*time.Second)
		recorder = ambient.NewRecorder(st, cfg.GetVCSTimeout())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if st != nil {
			st.Close()
		}
		logging.CloseAll()
		if logger != nil {
			logger.Sync()
		}
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <request text>",
	Short: "Record a user request against the workspace session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		response, _ := cmd.Flags().GetString("response")
		outcome, err := manager.HandleUserRequest(lifecycle.UserRequest{
			Text:              strings.Join(args, " "),
			WorkspacePath:     workspace,
			AssistantResponse: response,
		})
		if err != nil {
			return err
		}
		logger.Info("Request recorded",
			zap.String("session", outcome.SessionID),
			zap.String("conversation", outcome.ConversationID),
			zap.Bool("new_session", outcome.IsNewSession),
			zap.Bool("new_conversation", outcome.IsNewConversation),
			zap.String("state", string(outcome.State)),
			zap.String("trigger", outcome.Trigger))
		fmt.Printf("session=%s conversation=%s state=%s trigger=%s\n",
			outcome.SessionID, outcome.ConversationID, outcome.State, outcome.Trigger)
		return nil
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recent conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		convs, err := st.GetRecentConversations(limit)
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Printf("%-36s  %-10s  %3d msgs  %s  %s\n",
				c.ID, c.WorkflowState, c.MessageCount,
				c.LastActivity.Format("2006-01-02 15:04"), c.Title)
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Search conversations by keyword or entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		byEntity, _ := cmd.Flags().GetBool("entity")

		var convs []types.Conversation
		var err error
		if byEntity {
			convs, err = st.SearchByEntity(args[0], limit)
		} else {
			convs, err = st.SearchByKeyword(args[0], limit)
		}
		if err != nil {
			return err
		}
		for _, c := range convs {
			fmt.Printf("%-36s  %s\n", c.ID, c.Title)
		}
		return nil
	},
}

var correlateCmd = &cobra.Command{
	Use:   "correlate <conversation-id>",
	Short: "Correlate a conversation's turns with ambient events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		corrs, err := engine.CorrelateConversation(args[0], force)
		if err != nil {
			return err
		}
		for _, c := range corrs {
			fmt.Printf("turn=%d event=%d type=%-17s confidence=%.3f dt=%+.0fs\n",
				c.TurnID, c.EventID, c.Type, c.Confidence, c.TimeDiffSeconds)
		}
		fmt.Printf("%d correlation(s)\n", len(corrs))
		return nil
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <conversation-id>",
	Short: "Show a conversation's merged timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tl, err := engine.GetConversationTimeline(args[0])
		if err != nil {
			return err
		}
		for _, entry := range tl.Entries {
			switch entry.Kind {
			case types.TimelineTurn:
				fmt.Printf("[%s] turn  %s: %s\n",
					entry.Timestamp.Format("15:04:05"), entry.Turn.Role, truncate(entry.Turn.Content, 70))
			case types.TimelineEvent:
				fmt.Printf("[%s] event %s: %s\n",
					entry.Timestamp.Format("15:04:05"), entry.Event.EventType, truncate(entry.Event.Summary, 70))
			}
		}
		fmt.Printf("correlations by type: %v\n", tl.CountsByType)
		return nil
	},
}

var narrativeCmd = &cobra.Command{
	Use:   "narrative <session-id>",
	Short: "Generate a chronological session narrative",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := engine.GenerateSessionNarrative(args[0])
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's lifecycle event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := manager.GetConversationLifecycleHistory(args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("[%s] %-13s %s -> %s (%s)\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.EventType, ev.OldState, ev.NewState, ev.Trigger)
		}
		return nil
	},
}

var eventCmd = &cobra.Command{
	Use:   "event <session-id> <type> <summary>",
	Short: "Log an ambient event against a session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, _ := cmd.Flags().GetInt("score")
		filePath, _ := cmd.Flags().GetString("file")
		pattern, _ := cmd.Flags().GetString("pattern")
		id, err := recorder.LogEvent(&types.AmbientEvent{
			SessionID: args[0],
			EventType: args[1],
			Summary:   args[2],
			FilePath:  filePath,
			Pattern:   pattern,
			Score:     score,
		})
		if err != nil {
			return err
		}
		fmt.Printf("event %d logged\n", id)
		return nil
	},
}

var vcsCmd = &cobra.Command{
	Use:   "vcs <session-id> <operation>",
	Short: "Log a VCS operation with best-effort branch context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, _ := cmd.Flags().GetInt("score")
		id, err := recorder.LogVCSOperation(context.Background(), args[0], workspace, args[1], score)
		if err != nil {
			return err
		}
		fmt.Printf("event %d logged\n", id)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-table row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := st.GetStats()
		if err != nil {
			return err
		}
		for table, count := range stats {
			fmt.Printf("%-32s %d\n", table, count)
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace path (default: cwd)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	ingestCmd.Flags().String("response", "", "assistant response to record alongside the request")
	recentCmd.Flags().Int("limit", 10, "maximum conversations to list")
	searchCmd.Flags().Int("limit", 10, "maximum conversations to list")
	searchCmd.Flags().Bool("entity", false, "search by entity link instead of keyword")
	correlateCmd.Flags().Bool("force", false, "discard and recompute the correlation set")
	eventCmd.Flags().Int("score", 50, "significance score (0-100)")
	eventCmd.Flags().String("file", "", "file path touched by the event")
	eventCmd.Flags().String("pattern", "", "coarse pattern label")
	vcsCmd.Flags().Int("score", 60, "significance score (0-100)")

	rootCmd.AddCommand(ingestCmd, recentCmd, searchCmd, correlateCmd,
		timelineCmd, narrativeCmd, historyCmd, eventCmd, vcsCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
