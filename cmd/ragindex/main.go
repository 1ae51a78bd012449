// Command ragindex builds and maintains the passage index served by roleplay.
//
// Usage:
//
//	ragindex build    -in <dir> -out <base> [-chunk 5] [-metric ip|l2] [-append] [-mirror]
//	ragindex patterns -in <dir> -out <base>
//	ragindex rebuild  -index <base> [-drop-unknown] [-drop-scenario id]... [-drop-source file]...
//	ragindex stats    -index <base>
//	ragindex query    -index <base> -text <line> [-scenario id] [-k 5] [-mirror]
//
// build, patterns and query embed text and therefore read the embeddings provider
// from the roleplay configuration file given with -config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/MrWong99/roleplay/internal/config"
	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/internal/store/postgres"
	"github.com/MrWong99/roleplay/internal/topic"
	"github.com/MrWong99/roleplay/internal/vecindex"
	"github.com/MrWong99/roleplay/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/roleplay/pkg/provider/embeddings/openai"
	"github.com/MrWong99/roleplay/pkg/provider/oaiclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, nil)))

	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "build":
		err = cmdBuild(ctx, args[1:], stdout)
	case "patterns":
		err = cmdPatterns(ctx, args[1:], stdout)
	case "rebuild":
		err = cmdRebuild(args[1:], stdout)
	case "stats":
		err = cmdStats(args[1:], stdout)
	case "query":
		err = cmdQuery(ctx, args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "ragindex: unknown command %q\n", args[0])
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp), errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "ragindex %s: %v\n", args[0], err)
		return 1
	}
}

var errUsage = errors.New("invalid usage")

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "ragindex usage:")
	fmt.Fprintln(w, "  ragindex build    -in <dir> -out <base> [-chunk 5] [-metric ip|l2] [-append] [-mirror] [-config file]")
	fmt.Fprintln(w, "  ragindex patterns -in <dir> -out <base> [-config file]")
	fmt.Fprintln(w, "  ragindex rebuild  -index <base> [-drop-unknown] [-drop-scenario id]... [-drop-source file]...")
	fmt.Fprintln(w, "  ragindex stats    -index <base>")
	fmt.Fprintln(w, "  ragindex query    -index <base> -text <line> [-scenario id] [-k 5] [-mirror] [-config file]")
}

// ── build ─────────────────────────────────────────────────────────────────────

func cmdBuild(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	in := fs.String("in", "", "directory of transcript JSON files")
	out := fs.String("out", "", "index base path (writes <base>.vec and <base>.json)")
	chunk := fs.Int("chunk", rag.DefaultChunkSize, "utterances per general passage")
	metricName := fs.String("metric", "l2", "distance metric for a new index: ip or l2")
	appendMode := fs.Bool("append", false, "append to an existing index instead of replacing it")
	mirror := fs.Bool("mirror", false, "also upsert the new passages into the postgres mirror")
	configPath := fs.String("config", "config.yaml", "roleplay configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		fs.Usage()
		return errUsage
	}
	if *chunk <= 0 {
		return fmt.Errorf("-chunk must be positive, got %d", *chunk)
	}
	metric, err := vecindex.ParseMetric(*metricName)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}

	transcripts, err := rag.LoadTranscripts(*in, rag.DefaultScenarioDetector())
	if err != nil {
		return err
	}
	if len(transcripts) == 0 {
		return fmt.Errorf("no transcripts found in %s", *in)
	}

	idx, err := openIndex(*out, gw.Dimensions(), metric, *appendMode)
	if err != nil {
		return err
	}
	start := idx.Len()

	classifier := topic.NewIngestClassifier()
	ing := rag.NewIngester(gw, idx, *out)
	for _, t := range transcripts {
		passages := rag.BuildPassages(t, *chunk)
		passages = append(passages, rag.ExtractCustomerLines(t, classifier)...)
		n, err := ing.Add(ctx, passages)
		if err != nil {
			return fmt.Errorf("%s: %w", t.SourceFile, err)
		}
		slog.Info("indexed transcript", "source", t.SourceFile, "scenario", t.ScenarioID, "passages", n)
	}

	if *mirror {
		if err := mirrorPassages(ctx, cfg, idx, *out, start); err != nil {
			return err
		}
	}
	return writeStats(stdout, rag.ComputeStats(idx))
}

// ── patterns ──────────────────────────────────────────────────────────────────

func cmdPatterns(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("patterns", flag.ContinueOnError)
	in := fs.String("in", "", "directory of transcript JSON files")
	out := fs.String("out", "", "index base path")
	configPath := fs.String("config", "config.yaml", "roleplay configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	transcripts, err := rag.LoadTranscripts(*in, rag.DefaultScenarioDetector())
	if err != nil {
		return err
	}

	// Sales patterns are short single lines compared by cosine similarity.
	idx, err := vecindex.New[rag.Passage](gw.Dimensions(), vecindex.MetricIP)
	if err != nil {
		return err
	}
	ing := rag.NewIngester(gw, idx, *out)
	for _, t := range transcripts {
		n, err := ing.Add(ctx, rag.ExtractSalesPatterns(t))
		if err != nil {
			return fmt.Errorf("%s: %w", t.SourceFile, err)
		}
		slog.Info("extracted sales patterns", "source", t.SourceFile, "patterns", n)
	}
	if idx.Len() == 0 {
		return errors.New("no sales patterns found")
	}
	return writeStats(stdout, rag.ComputeStats(idx))
}

// ── rebuild ───────────────────────────────────────────────────────────────────

func cmdRebuild(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	base := fs.String("index", "", "index base path")
	dropUnknown := fs.Bool("drop-unknown", false, "remove passages with an empty or unknown scenario")
	var dropScenarios, dropSources stringList
	fs.Var(&dropScenarios, "drop-scenario", "remove every passage of this scenario (repeatable)")
	fs.Var(&dropSources, "drop-source", "remove every passage from this source file (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *base == "" {
		fs.Usage()
		return errUsage
	}
	if !*dropUnknown && len(dropScenarios) == 0 && len(dropSources) == 0 {
		return fmt.Errorf("nothing to drop: %w", errUsage)
	}

	idx, err := vecindex.Load[rag.Passage](*base)
	if err != nil {
		return err
	}
	rebuilt, removed := rag.Rebuild(idx, rag.RebuildOptions{
		DropInvalid:   *dropUnknown,
		DropScenarios: dropScenarios,
		DropSources:   dropSources,
	})
	if removed == 0 {
		fmt.Fprintln(stdout, "nothing removed, index unchanged")
		return nil
	}
	if err := rebuilt.Persist(*base); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "removed %d of %d passages\n", removed, idx.Len())
	return writeStats(stdout, rag.ComputeStats(rebuilt))
}

// ── stats ─────────────────────────────────────────────────────────────────────

func cmdStats(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	base := fs.String("index", "", "index base path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *base == "" {
		fs.Usage()
		return errUsage
	}
	idx, err := vecindex.Load[rag.Passage](*base)
	if err != nil {
		return err
	}
	return writeStats(stdout, rag.ComputeStats(idx))
}

func writeStats(w io.Writer, s rag.Stats) error {
	var b strings.Builder
	fmt.Fprintf(&b, "total:     %d\n", s.Total)
	fmt.Fprintf(&b, "dimension: %d\n", s.Dimension)
	fmt.Fprintf(&b, "metric:    %s\n", s.Metric)
	if s.Invalid > 0 {
		fmt.Fprintf(&b, "invalid:   %d\n", s.Invalid)
	}
	b.WriteString("by scenario:\n")
	for _, k := range rag.SortedKeys(s.ByScenario) {
		fmt.Fprintf(&b, "  %-18s %d\n", k, s.ByScenario[k])
	}
	b.WriteString("by type:\n")
	for _, k := range rag.SortedKeys(s.ByType) {
		fmt.Fprintf(&b, "  %-18s %d\n", k, s.ByType[k])
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ── query ─────────────────────────────────────────────────────────────────────

// nearestFinder is the part of the postgres mirror that query compares with.
type nearestFinder interface {
	NearestPassages(ctx context.Context, vec []float32, scenarioID string, k int) ([]string, error)
}

func cmdQuery(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	base := fs.String("index", "", "index base path")
	text := fs.String("text", "", "salesperson line to search for")
	scenarioID := fs.String("scenario", "", "restrict results to one scenario")
	k := fs.Int("k", 5, "number of passages to show")
	mirror := fs.Bool("mirror", false, "also query the postgres mirror and compare")
	configPath := fs.String("config", "config.yaml", "roleplay configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *base == "" || strings.TrimSpace(*text) == "" {
		fs.Usage()
		return errUsage
	}
	if *k <= 0 {
		return fmt.Errorf("-k must be positive, got %d", *k)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	idx, err := rag.LoadIndex(*base, gw.Dimensions())
	if err != nil {
		return err
	}
	vecs, err := gw.Embed(ctx, []string{strings.TrimSpace(*text)})
	if err != nil {
		return err
	}

	var finder nearestFinder
	if *mirror {
		if cfg.Store.PostgresDSN == "" {
			return errors.New("-mirror needs store.postgres_dsn")
		}
		pg, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, idx.Dim())
		if err != nil {
			return err
		}
		defer pg.Close()
		finder = pg
	}
	return compareNearest(ctx, stdout, idx, *base, vecs[0], *scenarioID, *k, finder)
}

// compareNearest prints the k passages of idx closest to q and, when mirror
// is set, the mirror's answer for the same vector with the overlap between
// the two.
func compareNearest(ctx context.Context, w io.Writer, idx *rag.Index, base string, q []float32, scenarioID string, k int, mirror nearestFinder) error {
	hits, err := flatNearest(idx, q, scenarioID, k)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "index (%s):\n", idx.Metric())
	flatIDs := make(map[string]bool, len(hits))
	for i, h := range hits {
		id := passageID(base, h.Position)
		flatIDs[id] = true
		fmt.Fprintf(&b, "  %d. %s  %.4f  [%s/%s] %s\n", i+1, id, h.Distance, h.ScenarioID, h.Type, oneLine(h.Text, 60))
	}
	if len(hits) == 0 {
		b.WriteString("  no passages\n")
	}

	if mirror != nil {
		ids, err := mirror.NearestPassages(ctx, q, scenarioID, k)
		if err != nil {
			return err
		}
		b.WriteString("mirror (cosine):\n")
		shared := 0
		for i, id := range ids {
			if flatIDs[id] {
				shared++
			}
			fmt.Fprintf(&b, "  %d. %s\n", i+1, id)
		}
		fmt.Fprintf(&b, "overlap: %d of %d\n", shared, max(len(hits), len(ids)))
	}
	_, err = io.WriteString(w, b.String())
	return err
}

// flatNearest ranks the whole index and keeps the first k passages of
// scenarioID, or of any scenario when it is empty.
func flatNearest(idx *rag.Index, q []float32, scenarioID string, k int) ([]rag.Hit, error) {
	results, err := idx.Search(q, idx.Len())
	if err != nil {
		return nil, err
	}
	var hits []rag.Hit
	for _, r := range results {
		if len(hits) == k {
			break
		}
		p, ok := idx.Meta(r.Position)
		if !ok || (scenarioID != "" && p.ScenarioID != scenarioID) {
			continue
		}
		hits = append(hits, rag.Hit{Passage: p, Distance: r.Distance, Position: r.Position})
	}
	return hits, nil
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// openIndex loads base when appending to an existing index and otherwise
// starts an empty one.
func openIndex(base string, dim int, metric vecindex.Metric, appendMode bool) (*rag.Index, error) {
	if !appendMode {
		return vecindex.New[rag.Passage](dim, metric)
	}
	idx, err := rag.LoadIndex(base, dim)
	if errors.Is(err, fs.ErrNotExist) {
		return vecindex.New[rag.Passage](dim, metric)
	}
	return idx, err
}

// newGateway builds the embeddings gateway from the configured provider.
func newGateway(cfg *config.Config) (*rag.Gateway, error) {
	p, err := newEmbeddings(cfg.Providers.Embeddings)
	if err != nil {
		return nil, err
	}
	return rag.NewGateway(p,
		rag.WithBatchSize(cfg.RAG.BatchSize),
		rag.WithParallelism(cfg.RAG.Parallelism),
	), nil
}

func newEmbeddings(entry config.ProviderEntry) (embeddings.Provider, error) {
	reg := config.NewRegistry()
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		if err := config.RequireAPIKey("embeddings", entry); err != nil {
			return nil, err
		}
		var opts []oaiclient.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaiclient.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})
	if entry.Name == "" {
		return nil, errors.New("providers.embeddings is not configured")
	}
	return reg.CreateEmbeddings(entry)
}

// mirrorPassages upserts every passage from position start onward into the
// postgres mirror.
func mirrorPassages(ctx context.Context, cfg *config.Config, idx *rag.Index, base string, start int) error {
	if cfg.Store.PostgresDSN == "" {
		return errors.New("-mirror needs store.postgres_dsn")
	}
	if cfg.Store.EmbeddingDimensions != idx.Dim() {
		return fmt.Errorf("store.embedding_dimensions is %d, index dimension is %d", cfg.Store.EmbeddingDimensions, idx.Dim())
	}
	pg, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, idx.Dim())
	if err != nil {
		return err
	}
	defer pg.Close()

	rows := mirrorRows(idx, base, start)
	if err := pg.UpsertPassages(ctx, rows); err != nil {
		return err
	}
	slog.Info("mirrored passages", "count", len(rows))
	return nil
}

func mirrorRows(idx *rag.Index, base string, start int) []store.MirroredPassage {
	rows := make([]store.MirroredPassage, 0, idx.Len()-start)
	for pos := start; pos < idx.Len(); pos++ {
		p, ok := idx.Meta(pos)
		if !ok {
			continue
		}
		vec, _ := idx.Vector(pos)
		rows = append(rows, store.MirroredPassage{
			ID:          passageID(base, pos),
			Text:        p.Text,
			ScenarioID:  p.ScenarioID,
			Type:        string(p.Type),
			SourceFile:  p.SourceFile,
			SpeakerType: p.SpeakerType,
			Scene:       p.Scene,
			Topics:      p.Topics,
			Embedding:   vec,
		})
	}
	return rows
}

// passageID names the passage at pos in the mirror.
func passageID(base string, pos int) string {
	return base + ":" + strconv.Itoa(pos)
}

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	if v == "" {
		return errors.New("empty value")
	}
	*l = append(*l, v)
	return nil
}
