package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/transcript"
)

var (
	resetBot      string
	insightsLimit int
	historyConv   int
	historyRaw    bool
)

var stateCmd = &cobra.Command{
	Use:   "state CHAT_ID",
	Short: "Show a chat's conversation and context state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		conv, cs, err := a.engine.State(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"conversation": conv, "context": cs})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset CHAT_ID",
	Short: "Start a new conversation for a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.engine.Reset(cmd.Context(), args[0], resetBot)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: conversation %d started\n", st.ChatID, st.ConversationNumber)
		return nil
	},
}

var insightsCmd = &cobra.Command{
	Use:   "insights CHAT_ID",
	Short: "Rank a bot's stories against the chat's current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		in, err := a.engine.Insights(cmd.Context(), args[0], insightsLimit)
		if err != nil {
			return err
		}
		printInsights(cmd.OutOrStdout(), &in)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history CHAT_ID",
	Short: "Print a conversation's message log, condensed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		number := historyConv
		if number <= 0 {
			conv, err := a.db.LatestConversation(ctx, args[0])
			if err != nil {
				return fmt.Errorf("chat %s: %w", args[0], err)
			}
			number = conv.ConversationNumber
		}
		msgs, err := a.db.Messages(ctx, args[0], number)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if historyRaw {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		fmt.Fprintln(out, transcript.Condense(msgs))
		return nil
	},
}

var botsCmd = &cobra.Command{
	Use:   "bots",
	Short: "List bots and their candidate counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		bots, err := a.db.Bots(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(bots) == 0 {
			fmt.Fprintln(out, "No candidates stored. Run twin seed first.")
			return nil
		}
		for _, b := range bots {
			fmt.Fprintf(out, "%-20s %4d candidates in %d categories\n", b.BotID, b.Candidates, b.Categories)
		}
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVarP(&resetBot, "bot", "b", "", "bot id for the new conversation (default: keep the current one)")
	insightsCmd.Flags().IntVarP(&insightsLimit, "limit", "n", 5, "number of stories to show")
	historyCmd.Flags().IntVar(&historyConv, "conversation", 0, "conversation number (default: latest)")
	historyCmd.Flags().BoolVar(&historyRaw, "json", false, "print raw messages as JSON")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
