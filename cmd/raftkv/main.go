// Command raftkv runs a single replicated key-value node: it wires the
// persistent store, HTTP transport, metrics collector, and a kv state
// machine around pkg/raft.Node and serves until it receives SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quorumkv/raftkv/pkg/metrics"
	"github.com/quorumkv/raftkv/pkg/raft"
	"github.com/quorumkv/raftkv/pkg/statemachine/kv"
	"github.com/quorumkv/raftkv/pkg/store"
	"github.com/quorumkv/raftkv/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagName    string
	flagListen  string
	flagPeers   string
	flagDataDir string
	flagDebug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "raftkv",
		Short: "Replicated key-value node built on a from-scratch Raft engine",
		RunE:  run,
	}
	root.Flags().StringVar(&flagName, "name", "", "this node's identity, e.g. node1 (required)")
	root.Flags().StringVar(&flagListen, "listen", ":8080", "HTTP listen address")
	root.Flags().StringVar(&flagPeers, "peers", "", "comma-separated name=url pairs for every replica, including this one")
	root.Flags().StringVar(&flagDataDir, "data-dir", ".", "directory for <name>.log/.conf/.snapshot")
	root.Flags().BoolVar(&flagDebug, "debug", false, "enable debug-level logging")
	_ = root.MarkFlagRequired("name")
	_ = root.MarkFlagRequired("peers")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("name", flagName).Logger()

	peerNames, peerURLs, err := parsePeers(flagPeers)
	if err != nil {
		return err
	}

	base := flagDataDir + string(os.PathSeparator) + flagName
	st, err := store.Open(base)
	if err != nil {
		return err
	}

	resolve := func(peer string) (string, bool) {
		url, ok := peerURLs[peer]
		return url, ok
	}
	httpClient := transport.NewHTTPClient(resolve, logger)

	cfg := raft.DefaultConfig(flagName, peerNames, base)
	machine := kv.New()

	node, err := raft.NewNode(cfg, st, httpClient, machine, logger)
	if err != nil {
		return err
	}
	node.Start()

	server := transport.NewServer(node, logger)
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(node))

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{Addr: flagListen, Handler: mux}

	go func() {
		logger.Info().Str("listen", flagListen).Msg("serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	node.Stop()
	_ = st.Close()
	logger.Info().Msg("shutdown complete")
	return nil
}

// parsePeers turns "node1=http://host1:8080,node2=http://host2:8080" into a
// deterministic name list and a name->URL map.
func parsePeers(spec string) ([]string, map[string]string, error) {
	urls := make(map[string]string)
	var names []string
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, nil, &peerFormatError{pair: pair}
		}
		names = append(names, parts[0])
		urls[parts[0]] = parts[1]
	}
	return names, urls, nil
}

type peerFormatError struct{ pair string }

func (e *peerFormatError) Error() string {
	return "raftkv: malformed --peers entry " + e.pair + ", want name=url"
}
