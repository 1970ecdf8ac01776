package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/store"
)

var seedDryRun bool

var seedCmd = &cobra.Command{
	Use:   "seed FILE.yaml",
	Short: "Import stories and content items from a YAML file",
	Long: `Seed reads a YAML file of candidates and upserts them into the database.

  bot_id: b1            # default for every entry
  candidates:
    - id: first-job     # generated when missing
      category: career
      title: First job
      body: ...
      summary: ...      # optional, preferred by the judge
      extraction:       # optional story analysis
        emotions: [proud]
        confidence_score: 4

Near-identical re-imports are left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "validate only, write nothing")
}

// seedFile is the on-disk layout read by the seed command.
type seedFile struct {
	BotID      string             `yaml:"bot_id"`
	Candidates []engine.Candidate `yaml:"candidates"`
}

// loadSeed decodes and validates a seed file. Entries without an id get a
// generated one; entries without a bot id inherit the file's.
func loadSeed(r io.Reader) ([]engine.Candidate, error) {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}

	out := make([]engine.Candidate, 0, len(f.Candidates))
	for i, c := range f.Candidates {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.BotID == "" {
			c.BotID = f.BotID
		}
		clean, err := engine.ValidateCandidate(c)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		out = append(out, clean)
	}
	return out, nil
}

// seed upserts candidates and returns how many landed in each outcome.
func seed(ctx context.Context, db *store.DB, candidates []engine.Candidate) (map[store.UpsertResult]int, error) {
	counts := make(map[store.UpsertResult]int)
	for _, c := range candidates {
		res, err := db.UpsertCandidate(ctx, c)
		if err != nil {
			return counts, fmt.Errorf("upsert %s: %w", c.ID, err)
		}
		counts[res]++
	}
	return counts, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	candidates, err := loadSeed(f)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if seedDryRun {
		fmt.Fprintf(out, "%d candidates valid\n", len(candidates))
		return nil
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := seed(cmd.Context(), a.db, candidates)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d created, %d updated, %d unchanged\n",
		counts[store.Created], counts[store.Updated], counts[store.Unchanged])
	return nil
}
