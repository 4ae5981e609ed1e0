// Package cli implements the agentdb CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/config"
	"github.com/rcliao/agentdb/internal/embedding"
	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/store"
)

var (
	dbPath       string
	configPath   string
	providerFlag string
	formatFlag   string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "agentdb",
	Short:         "Embedded memory store for AI agents",
	Long:          "A single-binary memory store for agents: entries with embeddings, an event log and learned patterns, all in local files.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Store path (default: $AGENTDB_DB or ~/.agentdb/memory.amdb)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	RootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Store provider: auto, binary or json")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if providerFlag != "" {
		cfg.Store.Provider = providerFlag
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) *slog.Logger {
	return cfg.Logger(os.Stderr)
}

// session holds the components a command opened. Close releases them in
// reverse order.
type session struct {
	cfg   *config.Config
	log   *slog.Logger
	store *store.Backend
	embed *embedding.Service
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)
	b, err := cfg.OpenStore(log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := b.Initialize(cmd.Context()); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &session{cfg: cfg, log: log, store: b}, nil
}

// embedder lazily opens the embedding service sized to the store.
func (s *session) embedder() (*embedding.Service, error) {
	if s.embed != nil {
		return s.embed, nil
	}
	dims := s.store.Dimensions()
	cache, err := embedding.OpenCache(s.cfg.EmbeddingCache(dims, s.log))
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	svc, err := embedding.NewService(s.cfg.EmbeddingService(dims, cache, s.log))
	if err != nil {
		cache.Close()
		return nil, err
	}
	s.embed = svc
	return svc, nil
}

func (s *session) embedText(ctx context.Context, text string) ([]float32, error) {
	svc, err := s.embedder()
	if err != nil {
		return nil, err
	}
	r, err := svc.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return r.Embedding, nil
}

func (s *session) Close(ctx context.Context) error {
	var first error
	if s.embed != nil {
		if err := s.embed.Shutdown(); err != nil {
			first = err
		}
	}
	if err := s.store.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

func textOutput() bool { return strings.EqualFold(formatFlag, "text") }

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// withoutEmbedding returns a copy of e for display.
func withoutEmbedding(e *model.Entry) *model.Entry {
	c := e.Clone()
	c.Embedding = nil
	return c
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// resolveEntry finds an entry by --id or by --ns/--key.
func resolveEntry(ctx context.Context, b *store.Backend, id, ns, key string) (*model.Entry, error) {
	var (
		e   *model.Entry
		err error
	)
	switch {
	case id != "":
		e, err = b.Get(ctx, id)
	case key != "":
		e, err = b.GetByKey(ctx, nsOrDefault(ns), key)
	default:
		return nil, fmt.Errorf("either --id or --key is required")
	}
	if err != nil {
		return nil, err
	}
	if e == nil {
		if id != "" {
			return nil, fmt.Errorf("memory %s not found", id)
		}
		return nil, fmt.Errorf("memory %s/%s not found", nsOrDefault(ns), key)
	}
	return e, nil
}

func nsOrDefault(ns string) string {
	if ns == "" {
		return store.DefaultNamespace
	}
	return ns
}
