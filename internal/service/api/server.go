package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lanchat/internal/model"
	"lanchat/internal/repository/chatlog"
	"lanchat/internal/repository/peer"
	transferRepo "lanchat/internal/repository/transfer"
	"lanchat/internal/utils/log"
)

type (
	// Node is the part of node.Node the API drives.
	Node interface {
		Registry() *transferRepo.Registry
		PendingOffers() []model.FileOffer
		AcceptOffer(id, path string) (string, error)
		RejectOffer(id string) error
		CancelTransfer(id string) error
		SendText(ctx context.Context, to model.Peer, text string) (string, error)
		SendFile(ctx context.Context, to model.Peer, path string) (string, error)
		MarkConversationRead(ctx context.Context, with model.Peer) error
	}

	HttpServer struct {
		node     Node
		messages chatlog.Store
		peers    peer.Repo
		hub      *Hub
		metrics  http.Handler
		log      *zap.Logger

		mu         sync.RWMutex
		discovered map[string]model.PeerInfo
	}

	ConversationView struct {
		Peer     model.Peer `json:"peer"`
		Nickname string     `json:"nickname,omitempty"`
		Unread   int64      `json:"unread"`
	}

	sendTextRequest struct {
		Peer string `json:"peer"`
		Text string `json:"text"`
	}

	sendFileRequest struct {
		Peer string `json:"peer"`
		Path string `json:"path"`
	}

	acceptRequest struct {
		Path string `json:"path"`
	}

	blockRequest struct {
		Blocked bool `json:"blocked"`
	}

	nicknameRequest struct {
		Label string `json:"label"`
	}

	idResponse struct {
		ID   string `json:"id"`
		Path string `json:"path,omitempty"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

func NewHttpServer(node Node, messages chatlog.Store, peers peer.Repo, hub *Hub) *HttpServer {
	return &HttpServer{
		node:       node,
		messages:   messages,
		peers:      peers,
		hub:        hub,
		log:        log.Named("api"),
		discovered: make(map[string]model.PeerInfo),
	}
}

// ServeMetrics mounts h at /metrics.
func (s *HttpServer) ServeMetrics(h http.Handler) {
	s.metrics = h
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.hub.HandleWS(s.node.Registry())).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/peers", s.ListPeers()).Methods(http.MethodGet)
	r.HandleFunc("/peers/{peer}/blocked", s.SetBlocked()).Methods(http.MethodPut)
	r.HandleFunc("/peers/{peer}/nickname", s.SetNickname()).Methods(http.MethodPut)

	r.HandleFunc("/conversations", s.ListConversations()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{peer}/messages", s.History()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{peer}/messages", s.SendText()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{peer}/read", s.MarkRead()).Methods(http.MethodPost)

	r.HandleFunc("/transfers", s.ListTransfers()).Methods(http.MethodGet)
	r.HandleFunc("/transfers", s.SendFile()).Methods(http.MethodPost)
	r.HandleFunc("/offers", s.ListOffers()).Methods(http.MethodGet)
	r.HandleFunc("/transfers/{id}/accept", s.AcceptOffer()).Methods(http.MethodPost)
	r.HandleFunc("/transfers/{id}/reject", s.RejectOffer()).Methods(http.MethodPost)
	r.HandleFunc("/transfers/{id}/cancel", s.CancelTransfer()).Methods(http.MethodPost)

	return r
}

// Run serves the API on addr until ctx ends.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopFollow := s.hub.Follow(s.node.Registry())
	defer stopFollow()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// AddPeer records a discovered peer and tells websocket clients.
func (s *HttpServer) AddPeer(p model.PeerInfo) {
	s.mu.Lock()
	s.discovered[p.Key()] = p
	s.mu.Unlock()
	s.hub.Broadcast(Event{Type: EventPeer, Data: p})
}

func (s *HttpServer) ListPeers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		out := make([]model.PeerInfo, 0, len(s.discovered))
		for _, p := range s.discovered {
			out = append(out, p)
		}
		s.mu.RUnlock()

		sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *HttpServer) SetBlocked() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.peerVar(w, r)
		if !ok {
			return
		}
		var req blockRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.peers.SetBlocked(r.Context(), p, req.Blocked); err != nil {
			s.fail(w, "set blocked failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) SetNickname() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.peerVar(w, r)
		if !ok {
			return
		}
		var req nicknameRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.peers.SetNickname(r.Context(), p, req.Label); err != nil {
			s.fail(w, "set nickname failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		convs, err := s.messages.Conversations(ctx)
		if err != nil {
			s.fail(w, "list conversations failed", err)
			return
		}
		unread, err := s.messages.Unread(ctx)
		if err != nil {
			s.fail(w, "read unread counters failed", err)
			return
		}

		out := make([]ConversationView, 0, len(convs))
		for _, c := range convs {
			nick, err := s.peers.Nickname(ctx, c)
			if err != nil {
				s.log.Warn("nickname lookup failed", zap.String("peer", c.Key()), zap.Error(err))
			}
			out = append(out, ConversationView{Peer: c, Nickname: nick, Unread: unread[c.Key()]})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *HttpServer) History() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.peerVar(w, r)
		if !ok {
			return
		}
		lines, err := s.messages.History(r.Context(), p)
		if err != nil {
			s.fail(w, "read history failed", err)
			return
		}
		if lines == nil {
			lines = []model.ChatLine{}
		}
		writeJSON(w, http.StatusOK, lines)
	}
}

func (s *HttpServer) SendText() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.peerVar(w, r)
		if !ok {
			return
		}
		var req sendTextRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Text == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text cannot be empty"})
			return
		}

		id, err := s.node.SendText(r.Context(), p, req.Text)
		if err != nil {
			s.log.Warn("send text failed", zap.String("peer", p.Key()), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, struct {
				idResponse
				errorResponse
			}{idResponse{ID: id}, errorResponse{Error: err.Error()}})
			return
		}
		writeJSON(w, http.StatusOK, idResponse{ID: id})
	}
}

func (s *HttpServer) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.peerVar(w, r)
		if !ok {
			return
		}
		if err := s.node.MarkConversationRead(r.Context(), p); err != nil {
			s.log.Warn("read receipts failed", zap.String("peer", p.Key()), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) ListTransfers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := s.node.Registry().Snapshot()
		out := make([]model.TransferSnapshot, 0, len(snaps))
		for _, snap := range snaps {
			out = append(out, snap)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *HttpServer) SendFile() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendFileRequest
		if !s.decode(w, r, &req) {
			return
		}
		p, err := model.ParsePeer(req.Peer)
		if err != nil || req.Path == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "peer (host:port) and path are required"})
			return
		}

		id, err := s.node.SendFile(r.Context(), p, req.Path)
		if err != nil {
			s.log.Warn("send file failed", zap.String("peer", p.Key()), zap.Error(err))
			status := http.StatusBadGateway
			if id == "" {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, idResponse{ID: id})
	}
}

func (s *HttpServer) ListOffers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.node.PendingOffers())
	}
}

func (s *HttpServer) AcceptOffer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req acceptRequest
		if r.ContentLength != 0 && !s.decode(w, r, &req) {
			return
		}
		id := mux.Vars(r)["id"]
		path, err := s.node.AcceptOffer(id, req.Path)
		if err != nil {
			s.transferError(w, "accept offer failed", err)
			return
		}
		writeJSON(w, http.StatusAccepted, idResponse{ID: id, Path: path})
	}
}

func (s *HttpServer) RejectOffer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.node.RejectOffer(mux.Vars(r)["id"]); err != nil {
			s.transferError(w, "reject offer failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) CancelTransfer() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.node.CancelTransfer(mux.Vars(r)["id"]); err != nil {
			s.transferError(w, "cancel transfer failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *HttpServer) peerVar(w http.ResponseWriter, r *http.Request) (model.Peer, bool) {
	p, err := model.ParsePeer(mux.Vars(r)["peer"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "peer must be host:port"})
		return model.Peer{}, false
	}
	return p, true
}

func (s *HttpServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return false
	}
	return true
}

func (s *HttpServer) transferError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, model.ErrUnknownTransfer) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	s.fail(w, msg, err)
}

func (s *HttpServer) fail(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
