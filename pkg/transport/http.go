// Package transport implements raft.Transport over plain HTTP: a
// net/http.Client-backed outbound client and a ServeMux-based server
// exposing the request_vote / append_entries / append_entry / results /
// snapshot / show surface, paired with an in-memory fabric (local.go) for
// deterministic partition/heal/latency testing.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quorumkv/raftkv/pkg/raft"
	"github.com/rs/zerolog"
)

// PeerResolver maps a peer name to its base URL (e.g. "node2" ->
// "http://10.0.0.2:8080"). Configured once at startup from the cluster's
// peer list.
type PeerResolver func(peer string) (baseURL string, ok bool)

// HTTPClient is a raft.Transport backed by net/http.Client.
type HTTPClient struct {
	resolve PeerResolver
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPClient returns an HTTPClient using resolve to find peer addresses.
func NewHTTPClient(resolve PeerResolver, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		resolve: resolve,
		client:  &http.Client{Timeout: 3 * time.Second},
		log:     logger,
	}
}

var _ raft.Transport = (*HTTPClient)(nil)

// Call implements raft.Transport. Any failure — unresolvable peer,
// connection error, non-2xx status, or malformed JSON — is reported as
// ok==false, never surfaced as an error the caller must unwrap.
func (c *HTTPClient) Call(ctx context.Context, peer, service string, body any) (json.RawMessage, bool) {
	base, ok := c.resolve(peer)
	if !ok {
		return nil, false
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+service, bytes.NewReader(payload))
	if err != nil {
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raftkv-Call-Id", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("peer", peer).Str("service", service).Msg("rpc call failed")
		return nil, false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false
	}
	if !json.Valid(raw) {
		return nil, false
	}
	return raw, true
}

// Server exposes a Node's RPC surface over HTTP. The /metrics endpoint is
// wired separately in cmd/raftkv via package metrics.
type Server struct {
	node *raft.Node
	mux  *http.ServeMux
	log  zerolog.Logger
}

// NewServer builds the HTTP surface for node. Call Handler to get the
// http.Handler to serve.
func NewServer(node *raft.Node, logger zerolog.Logger) *Server {
	s := &Server{node: node, mux: http.NewServeMux(), log: logger}
	s.mux.HandleFunc("/request_vote", s.handleRequestVote)
	s.mux.HandleFunc("/append_entries", s.handleAppendEntries)
	s.mux.HandleFunc("/append_entry", s.handleAppendEntry)
	s.mux.HandleFunc("/results", s.handleResults)
	s.mux.HandleFunc("/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("/show", s.handleShow)
	return s
}

// Handler returns the http.Handler to pass to http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var args raft.RequestVoteArgs
	if !decode(w, r, &args) {
		return
	}
	writeJSON(w, s.node.RequestVote(&args))
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var args raft.AppendEntriesArgs
	if !decode(w, r, &args) {
		return
	}
	writeJSON(w, s.node.AppendEntries(&args))
}

func (s *Server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.node.Submit(raw))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.node.Query(raw))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.node.TriggerSnapshot())
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	writeJSON(w, raft.ShowReply{
		Name:            st.Name,
		Role:            st.Role.String(),
		CurrentTerm:     st.CurrentTerm,
		CommitIndex:     st.CommitIndex,
		Entries:         st.Entries,
		Peers:           st.Peers,
		VotedFor:        st.VotedFor,
		SnapshotVersion: st.SnapshotVersion,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
