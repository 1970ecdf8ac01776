package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/client"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/transcript"
)

// twin is what the chat and replay commands drive: the local engine or a
// remote server.
type twin interface {
	Turn(ctx context.Context, chatID, botID, message string) (*engine.TurnResult, error)
	RecordResponse(ctx context.Context, chatID, content string, followUps []string) error
	Reset(ctx context.Context, chatID, botID string) (*engine.ConversationState, error)
	Insights(ctx context.Context, chatID string, limit int) (*engine.Insights, error)
}

var _ twin = (*client.Client)(nil)

// localTwin adapts the in-process engine.
type localTwin struct{ eng *engine.Engine }

func (l localTwin) Turn(ctx context.Context, chatID, botID, message string) (*engine.TurnResult, error) {
	return l.eng.Turn(ctx, engine.TurnRequest{ChatID: chatID, BotID: botID, Message: message})
}

func (l localTwin) RecordResponse(ctx context.Context, chatID, content string, followUps []string) error {
	return l.eng.RecordResponse(ctx, chatID, content, followUps)
}

func (l localTwin) Reset(ctx context.Context, chatID, botID string) (*engine.ConversationState, error) {
	return l.eng.Reset(ctx, chatID, botID)
}

func (l localTwin) Insights(ctx context.Context, chatID string, limit int) (*engine.Insights, error) {
	in, err := l.eng.Insights(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

var (
	chatBot    string
	chatID     string
	chatServer string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a twin in the terminal",
	Long: "Interactive chat. Each line is one user turn; the twin answers with the story it selected.\n" +
		"Commands: /reset, /insights, /quit.",
	RunE: runChat,
}

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Run the user turns of a chat log through the engine",
	Long:  "Replay reads a JSONL or plain-text chat log and sends every user message as a turn.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	for _, c := range []*cobra.Command{chatCmd, replayCmd} {
		c.Flags().StringVarP(&chatBot, "bot", "b", "", "bot id whose stories are used (required)")
		c.Flags().StringVar(&chatID, "chat", "terminal", "chat id")
		c.Flags().StringVar(&chatServer, "server", "", "talk to a running twin server at this URL instead of the local database")
		c.MarkFlagRequired("bot")
	}
}

// openTwin returns the remote client when --server is set, else the local engine.
// The returned func releases local resources.
func openTwin(ctx context.Context) (twin, func(), error) {
	if chatServer != "" {
		c := client.New(chatServer)
		if !c.Healthy(ctx) {
			return nil, nil, fmt.Errorf("twin server at %s is not reachable", chatServer)
		}
		return c, func() {}, nil
	}
	a, err := openEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	return localTwin{a.engine}, a.Close, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	t, done, err := openTwin(cmd.Context())
	if err != nil {
		return err
	}
	defer done()
	return repl(cmd.Context(), t, cmd.InOrStdin(), cmd.OutOrStdout(), chatID, chatBot)
}

func runReplay(cmd *cobra.Command, args []string) error {
	lines, err := transcript.ParseFile(args[0])
	if err != nil {
		return err
	}
	t, done, err := openTwin(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	for _, msg := range transcript.UserMessages(lines) {
		fmt.Fprintf(out, "you> %s\n", msg)
		if err := converse(cmd.Context(), t, out, chatID, chatBot, msg); err != nil {
			return err
		}
	}
	return nil
}

// repl reads one turn per line until EOF or /quit.
func repl(ctx context.Context, t twin, in io.Reader, out io.Writer, chatID, botID string) error {
	fmt.Fprintf(out, "Chatting with %s as %s. /quit to leave.\n", botID, chatID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			st, err := t.Reset(ctx, chatID, botID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "-- conversation %d started\n", st.ConversationNumber)
			continue
		case "/insights":
			in, err := t.Insights(ctx, chatID, 5)
			if err != nil {
				fmt.Fprintf(out, "-- %v\n", err)
				continue
			}
			printInsights(out, in)
			continue
		}
		if err := converse(ctx, t, out, chatID, botID, line); err != nil {
			return err
		}
	}
}

// converse runs one turn, prints the decision and logs the twin's reply.
func converse(ctx context.Context, t twin, out io.Writer, chatID, botID, message string) error {
	res, err := t.Turn(ctx, chatID, botID, message)
	if err != nil {
		return err
	}
	printTurn(out, res)

	reply := "(no story to tell)"
	if res.Selection != nil {
		reply = res.Selection.Candidate.Description()
	}
	return t.RecordResponse(ctx, chatID, reply, nil)
}

func printTurn(w io.Writer, res *engine.TurnResult) {
	if res.Selection != nil {
		c := res.Selection.Candidate
		fmt.Fprintf(w, "twin> [%s] %s\n", res.Selection.Category, c.Title)
		fmt.Fprintf(w, "      %s\n", clip(c.Description(), 300))
	} else {
		fmt.Fprintln(w, "twin> (no story selected)")
	}
	fmt.Fprintf(w, "      turn %d | intent %s | topics %s\n",
		res.Turn, res.Analysis.Intent, strings.Join(res.Analysis.Topics, ", "))
	fmt.Fprintf(w, "      warmth %s, next %s (%s question)\n", res.Warmth.Max, res.Warmth.TargetName, res.Warmth.QuestionType)
	if len(res.FollowUpCategories) > 0 {
		fmt.Fprintf(w, "      follow up on: %s\n", strings.Join(res.FollowUpCategories, ", "))
	}
	if res.CTA {
		fmt.Fprintln(w, "      * call to action eligible")
	}
	if res.ShouldReset {
		fmt.Fprintln(w, "      * context is stale, consider /reset")
	}
	if !res.Persisted {
		fmt.Fprintln(w, "      ! turn was not saved")
	}
}

func printInsights(w io.Writer, in *engine.Insights) {
	fmt.Fprintf(w, "%d stories, %d match the context\n", in.Total, in.Filtered)
	if in.Status == engine.InsightsNone {
		fmt.Fprintln(w, "no relevant stories")
		return
	}
	for _, e := range in.Top {
		fmt.Fprintf(w, "%2d. %-50s %.2f (metadata %.2f, semantic %.2f, penalty %.1f)\n",
			e.Rank, e.Title, e.Score, e.Breakdown.MetadataScore, e.Breakdown.SemanticScore, e.Breakdown.RepetitionPenalty)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
