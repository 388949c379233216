package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/engram/internal/client"
	"github.com/lazypower/engram/internal/compiler"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/executor"
	"github.com/lazypower/engram/internal/memory"
	"github.com/lazypower/engram/internal/store"
)

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Insert fragment batches from YAML or JSON files",
	Long: "Each file is one batch of fragments and edges. A batch is validated as a whole: " +
		"if any fragment or edge is invalid nothing from that file is inserted. Use - for stdin.",
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

func runIngest(cmd *cobra.Command, args []string) error {
	batches := make([]engine.Batch, 0, len(args))
	for _, name := range args {
		data, err := readInput(cmd, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		b, err := engine.ParseBatch(data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		batches = append(batches, b)
	}

	out := cmd.OutOrStdout()
	if c, ok := remote(); ok {
		for i, b := range batches {
			ids, err := c.Insert(cmd.Context(), b)
			if err != nil {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			fmt.Fprintf(out, "%s: inserted %d fragments\n", args[i], len(ids))
		}
		return nil
	}

	eng, path, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.Stop()

	var errs []error
	for i, b := range batches {
		ids, err := eng.Insert(b)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", args[i], err))
			continue
		}
		fmt.Fprintf(out, "%s: inserted %d fragments\n", args[i], len(ids))
	}
	if err := eng.Save(path); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// --- query command ---

var (
	queryFile      string
	queryGoal      string
	queryDomains   []string
	queryFocus     []string
	queryExclude   []string
	queryThreshold float64
	queryMax       int
	queryBudget    float64
	queryRequire   bool
	queryReinforce bool
	queryJSON      bool
)

var queryCmd = &cobra.Command{
	Use:   "query [description]",
	Short: "Compile and execute a reasoning graph for a context",
	Long: "Build a context vector from flags, or load one with --file, then compile it against " +
		"memory and execute the result. With --reinforce the outcome feeds back into fragment confidence.",
	RunE: runQuery,
}

// contextFromFlags builds the context vector for a query.
func contextFromFlags(cmd *cobra.Command, args []string) (memory.ContextVector, error) {
	if queryFile != "" {
		data, err := readInput(cmd, queryFile)
		if err != nil {
			return memory.ContextVector{}, fmt.Errorf("read %s: %w", queryFile, err)
		}
		var cv memory.ContextVector
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cv); err != nil {
			return cv, fmt.Errorf("parse %s: %w", queryFile, err)
		}
		return cv, nil
	}

	return memory.ContextVector{
		Goal: memory.Goal{
			Type:             memory.GoalType(queryGoal),
			Description:      strings.Join(args, " "),
			RequireFragments: queryRequire,
		},
		DomainHints: queryDomains,
		Attention: memory.Attention{
			FocusEntities:     queryFocus,
			ExclusionPatterns: queryExclude,
		},
		Constraints:         memory.Constraints{ResourceBudget: queryBudget},
		ConfidenceThreshold: queryThreshold,
		MaxFragments:        queryMax,
	}, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	cv, err := contextFromFlags(cmd, args)
	if err != nil {
		return err
	}

	var resp *engine.Response
	if c, ok := remote(); ok {
		resp, err = c.Query(cmd.Context(), cv, queryReinforce)
	} else {
		eng, path, openErr := openEngine()
		if openErr != nil {
			return openErr
		}
		defer eng.Stop()
		resp, err = eng.Query(cmd.Context(), cv, engine.QueryOptions{Reinforce: queryReinforce})
		if err == nil {
			// Co-activation counts and reinforcement outlive the process.
			if saveErr := eng.Save(path); saveErr != nil {
				return saveErr
			}
		}
	}

	out := cmd.OutOrStdout()
	if err != nil {
		if resp != nil && resp.Graph != nil && (errors.Is(err, compiler.ErrNoActivation) || errors.Is(err, compiler.ErrResourceExhausted)) {
			printDiagnostics(out, resp)
		}
		return err
	}

	if queryJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResult(out, resp)
	return nil
}

func printResult(w io.Writer, resp *engine.Response) {
	res := resp.Result
	path := "full"
	if resp.Graph.FastPath {
		path = "fast (module " + resp.Graph.ModuleID + ")"
	}
	fmt.Fprintf(w, "outcome:    %s\n", res.Outcome)
	fmt.Fprintf(w, "confidence: %.3f\n", res.Confidence)
	fmt.Fprintf(w, "path:       %s, %d nodes\n", path, len(resp.Graph.Nodes))
	if res.Text != "" {
		fmt.Fprintf(w, "\n%s\n", res.Text)
	}
	if res.Explanation != "" {
		fmt.Fprintf(w, "\n%s\n", res.Explanation)
	}
	if res.Outcome != executor.Success && res.UnresolvedGaps > 0 {
		fmt.Fprintf(w, "\n%d unresolved gaps\n", res.UnresolvedGaps)
	}
	if resp.Reinforced > 0 {
		fmt.Fprintf(w, "\nreinforced %d fragments\n", resp.Reinforced)
	}
}

func printDiagnostics(w io.Writer, resp *engine.Response) {
	d := resp.Graph.Diagnostics
	fmt.Fprintf(w, "compiled %d nodes, %d gaps\n", len(resp.Graph.Nodes), d.Gaps)
	for _, c := range d.Dropped {
		fmt.Fprintf(w, "  dropped %s (contradicts %s on %s)\n", c.Dropped, c.Kept, c.Subject)
	}
	for _, id := range d.Pruned {
		fmt.Fprintf(w, "  pruned %s\n", id)
	}
}

// --- decay command ---

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Decay confidence and edge strength up to now",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if c, ok := remote(); ok {
			n, err := c.Decay(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "decayed %d fragments\n", n)
			return nil
		}

		eng, path, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()
		n := eng.Decay()
		if err := eng.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(out, "decayed %d fragments\n", n)
		return nil
	},
}

// --- reinforce command ---

var reinforceSignal float64

var reinforceCmd = &cobra.Command{
	Use:   "reinforce [id...]",
	Short: "Apply a reinforcement signal to fragments",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reinforceSignal < -1 || reinforceSignal > 1 {
			return fmt.Errorf("signal %v outside [-1,1]", reinforceSignal)
		}
		out := cmd.OutOrStdout()
		if c, ok := remote(); ok {
			if err := c.Reinforce(cmd.Context(), args, reinforceSignal); err != nil {
				return err
			}
			fmt.Fprintf(out, "reinforced %d fragments\n", len(args))
			return nil
		}

		eng, path, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()
		if err := eng.Reinforce(args, reinforceSignal); err != nil {
			return err
		}
		if err := eng.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(out, "reinforced %d fragments\n", len(args))
		return nil
	},
}

// --- fossilize command ---

var fossilizeCmd = &cobra.Command{
	Use:   "fossilize",
	Short: "Promote recurring execution patterns into compiled modules",
	Long: "Fossilization mines the query history of a running server, so this command always " +
		"talks to one (--server, ENGRAM_URL or the default address).",
	RunE: func(cmd *cobra.Command, args []string) error {
		mods, err := client.New(serverURL).Fossilize(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(mods) == 0 {
			fmt.Fprintln(out, "No patterns qualify yet.")
			return nil
		}
		for _, m := range mods {
			fmt.Fprintf(out, "%s  %s  %s/%s  %d steps  speedup %.1fx\n",
				m.ID, m.Kind, m.GoalType, m.Domain, len(m.Steps), m.EstimatedSpeedup)
		}
		return nil
	},
}

// --- inspect command ---

var inspectFragments bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the snapshot file",
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	path, err := snapshotPath()
	if err != nil {
		return err
	}
	meta, err := store.ReadMeta(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "## %s\n\n", path)
	fmt.Fprintf(out, "  format:         v%d (index v%d)\n", meta.FormatVersion, meta.IndexFormatVersion)
	fmt.Fprintf(out, "  saved:          %s\n", meta.SavedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  decayed to:     %s\n", meta.DecayedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "  fragments:      %d\n", meta.Fragments)
	fmt.Fprintf(out, "  edges:          %d\n", meta.Edges)
	fmt.Fprintf(out, "  co-activations: %d\n", meta.CoActivations)
	fmt.Fprintf(out, "  modules:        %d\n", meta.Modules)

	g, err := store.LoadGraph(path, cfg.MemoryOptions())
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	byType := make(map[memory.FragmentType]int)
	frags := g.Fragments()
	for _, f := range frags {
		byType[f.Type]++
	}
	if len(byType) > 0 {
		types := make([]string, 0, len(byType))
		for t := range byType {
			types = append(types, string(t))
		}
		sort.Strings(types)
		fmt.Fprintln(out, "\n## Fragment Types")
		for _, t := range types {
			fmt.Fprintf(out, "  %-22s %d\n", t, byType[memory.FragmentType(t)])
		}
	}

	if mods := g.Modules(); len(mods) > 0 {
		fmt.Fprintln(out, "\n## Compiled Modules")
		for _, m := range mods {
			fmt.Fprintf(out, "  %s  %s/%s  used %d times  confidence %.2f\n",
				m.ID, m.GoalType, m.Domain, m.UsageCount, m.Confidence)
		}
	}

	if inspectFragments && len(frags) > 0 {
		fmt.Fprintln(out, "\n## Fragments")
		for _, f := range frags {
			fmt.Fprintf(out, "  %s [%s] %.2f  %s\n", f.ID, f.Type, f.Confidence, executor.Interpret(f))
		}
	}
	return nil
}

func init() {
	f := queryCmd.Flags()
	f.StringVarP(&queryFile, "file", "f", "", "read the context vector from a YAML or JSON file")
	f.StringVarP(&queryGoal, "goal", "g", string(memory.GoalLearn), "goal type: Debug, Create, Learn, Explain or Predict")
	f.StringSliceVarP(&queryDomains, "domain", "d", nil, "domain hints")
	f.StringSliceVar(&queryFocus, "focus", nil, "focus entities")
	f.StringSliceVar(&queryExclude, "exclude", nil, "exclusion patterns")
	f.Float64Var(&queryThreshold, "threshold", 0.5, "confidence threshold")
	f.IntVarP(&queryMax, "max", "n", 20, "maximum fragments to activate")
	f.Float64Var(&queryBudget, "budget", 0, "resource budget (0 means unlimited)")
	f.BoolVar(&queryRequire, "require-fragments", false, "fail when nothing activates")
	f.BoolVar(&queryReinforce, "reinforce", false, "feed the outcome back into memory")
	f.BoolVar(&queryJSON, "json", false, "print the full response as JSON")

	reinforceCmd.Flags().Float64VarP(&reinforceSignal, "signal", "s", 0.1, "signal in [-1,1]")

	inspectCmd.Flags().BoolVar(&inspectFragments, "fragments", false, "list every fragment")
}
