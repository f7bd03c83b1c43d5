// Command memexctl is the CLI front end for the memory store: it wires
// together memstore, the graph layer, the embedding service, and the
// idle-time background processor, then dispatches to a subcommand the
// way ocg's own CLI does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/corvalane/memex/background"
	"github.com/corvalane/memex/config"
	"github.com/corvalane/memex/embedcache"
	"github.com/corvalane/memex/embedsvc"
	"github.com/corvalane/memex/fuser"
	"github.com/corvalane/memex/graph"
	"github.com/corvalane/memex/learner"
	"github.com/corvalane/memex/lifecycle"
	"github.com/corvalane/memex/memstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "learn":
		learnCmd(args)
	case "search":
		searchCmd(args)
	case "forget":
		forgetCmd(args)
	case "stats":
		statsCmd(args)
	case "entity":
		entityCmd(args)
	case "serve":
		serveCmd(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: memexctl <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  learn <content>               Store a memory, embedding it if a service is configured")
	fmt.Println("  search <query>                Hybrid lexical+vector search")
	fmt.Println("  forget <id>                   Delete a memory by id")
	fmt.Println("  stats                         Show store and graph statistics")
	fmt.Println("  entity find <name>            Look up an entity by name")
	fmt.Println("  entity traverse <name> [hops] Walk the relation graph from an entity")
	fmt.Println("  serve                         Run the lifecycle manager and background processor until signalled")
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openAll wires up the store, graph, embedding client, and caching
// embedder for a single CLI invocation. Callers must close the returned
// store when done.
func openAll(cfg config.Config) (*memstore.Store, *graph.Store, *cachingEmbedder, *embedsvc.Client) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalf("create data dir: %v", err)
	}

	store, rebuildStats, err := memstore.Open(cfg.DBPath, cfg.Memstore)
	if err != nil {
		fatalf("open store: %v", err)
	}
	if rebuildStats.SkippedDimensionMismatch > 0 {
		fmt.Printf("[WARN] skipped %d embeddings at open: dimension mismatch\n", rebuildStats.SkippedDimensionMismatch)
	}

	g, err := graph.Open(store.DB())
	if err != nil {
		fatalf("open graph: %v", err)
	}

	client := embedsvc.New(cfg.EmbedSvc)
	cache, err := embedcache.Open(cfg.EmbedCache)
	if err != nil {
		fatalf("open embedding cache: %v", err)
	}
	embedder := &cachingEmbedder{cache: cache, client: client}

	return store, g, embedder, client
}

// cachingEmbedder adapts embedcache.Cache + embedsvc.Client to the
// single-method Embed signature the rest of the module expects.
type cachingEmbedder struct {
	cache  *embedcache.Cache
	client *embedsvc.Client
}

func (c *cachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.cache.Embed(ctx, text, c.client.Embed)
}

func (c *cachingEmbedder) Available() bool {
	return c.client.Available()
}

func loadConfig() config.Config {
	cfg := config.DefaultConfig()
	if path := os.Getenv("MEMEX_CONFIG"); path != "" {
		if err := config.LoadFromFile(&cfg, path); err != nil {
			fatalf("load config: %v", err)
		}
	}
	cfg.LoadFromEnv("MEMEX_")
	return cfg
}

func learnCmd(args []string) {
	fs := flag.NewFlagSet("learn", flag.ExitOnError)
	category := fs.String("category", "note", "memory category")
	source := fs.String("source", "cli", "memory source tag")
	confidence := fs.Float64("confidence", 0.8, "confidence 0.0-1.0")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("Usage: memexctl learn [options] <content>")
	}
	content := strings.Join(fs.Args(), " ")

	cfg := loadConfig()
	store, g, _, client := openAll(cfg)
	defer store.Close()

	id, err := store.Learn(context.Background(), content, *category, *source, *confidence, client.Embed)
	if err != nil {
		fatalf("learn: %v", err)
	}

	entities := graph.ExtractEntitiesSimple(content)
	if len(entities) > 0 {
		relations := graph.ExtractRelationsSimple(entities)
		if err := g.StoreExtracted(id, entities, relations); err != nil {
			fmt.Printf("[WARN] entity extraction failed: %v\n", err)
		}
	}

	fmt.Printf("stored %s\n", id)
}

func searchCmd(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	k := fs.Int("k", 5, "number of results")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fatalf("Usage: memexctl search [options] <query>")
	}
	query := strings.Join(fs.Args(), " ")

	cfg := loadConfig()
	store, _, embedder, _ := openAll(cfg)
	defer store.Close()

	vec, err := embedder.Embed(context.Background(), query)
	if err != nil {
		fmt.Printf("[WARN] query embedding failed, falling back to lexical-only: %v\n", err)
		vec = nil
	}

	results, err := store.SearchHybrid(query, vec, *k, fuser.DefaultConfig().KeywordWeight)
	if err != nil {
		fatalf("search: %v", err)
	}
	for i, r := range results {
		fmt.Printf("%d. [%.3f] (%s) %s\n", i+1, r.Final, r.Memory.ID[:8], r.Memory.Content)
	}
}

func forgetCmd(args []string) {
	if len(args) < 1 {
		fatalf("Usage: memexctl forget <id>")
	}
	cfg := loadConfig()
	store, _, _, _ := openAll(cfg)
	defer store.Close()

	ok, err := store.Forget(args[0])
	if err != nil {
		fatalf("forget: %v", err)
	}
	if !ok {
		fmt.Println("not found")
		return
	}
	fmt.Println("forgotten")
}

func statsCmd(args []string) {
	cfg := loadConfig()
	store, g, _, client := openAll(cfg)
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		fatalf("stats: %v", err)
	}
	fmt.Printf("memories: total=%d with_embeddings=%d\n", stats.TotalMemories, stats.WithEmbeddings)
	for category, count := range stats.ByCategory {
		fmt.Printf("  %s: %d\n", category, count)
	}

	graphStats, err := g.Stats()
	if err != nil {
		fatalf("graph stats: %v", err)
	}
	fmt.Printf("entities: %d relations: %d\n", graphStats.EntityCount, graphStats.RelationCount)

	fmt.Printf("embedding service available: %v\n", client.Available())
}

func entityCmd(args []string) {
	if len(args) < 1 {
		fatalf("Usage: memexctl entity <find|traverse> <name> [hops]")
	}
	sub := args[0]
	args = args[1:]

	cfg := loadConfig()
	store, g, _, _ := openAll(cfg)
	defer store.Close()

	switch sub {
	case "find":
		if len(args) < 1 {
			fatalf("Usage: memexctl entity find <name>")
		}
		e, ok, err := g.FindEntity(args[0])
		if err != nil {
			fatalf("find entity: %v", err)
		}
		if !ok {
			fmt.Println("not found")
			return
		}
		fmt.Printf("%s (%s) id=%s\n", e.Name, e.Type, e.ID[:8])
	case "traverse":
		if len(args) < 1 {
			fatalf("Usage: memexctl entity traverse <name> [hops]")
		}
		hops := 1
		if len(args) > 1 {
			h, err := strconv.Atoi(args[1])
			if err != nil {
				fatalf("invalid hops: %v", err)
			}
			hops = h
		}
		e, ok, err := g.FindEntity(args[0])
		if err != nil {
			fatalf("find entity: %v", err)
		}
		if !ok {
			fmt.Println("not found")
			return
		}
		results, err := g.Traverse(e.ID, hops)
		if err != nil {
			fatalf("traverse: %v", err)
		}
		for _, r := range results {
			fmt.Printf("[%.3f] %s (%s) via %s\n", r.Score, r.Entity.Name, r.Entity.Type, strings.Join(r.Path, " -> "))
		}
	default:
		fatalf("Unknown entity command: %s", sub)
	}
}

// serveCmd runs the lifecycle manager with the background processor
// wired as its Sleep-state job, and the learner available for anything
// driving it over the same store, until interrupted.
func serveCmd(args []string) {
	cfg := loadConfig()
	store, g, _, client := openAll(cfg)
	defer store.Close()

	_ = g // the graph store is exercised via learner.ExtractAndStoreEntities by callers embedding this process

	proc := background.New(cfg.Background, store, client, client)
	l := learner.New(cfg.Learner, client)
	_ = l // available to an embedding host process (e.g. a chat frontend) via the same package

	mgr := lifecycle.New(cfg.Lifecycle, func(ctx context.Context) error {
		ran, err := proc.RunOnce(ctx)
		if err != nil {
			return err
		}
		if len(ran) > 0 {
			fmt.Printf("[LIFECYCLE] ran background tasks: %v\n", ran)
		}
		return nil
	})
	mgr.Start()
	defer mgr.Stop()

	fmt.Printf("memexctl serving from %s (data dir %s)\n", cfg.DBPath, cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
}
