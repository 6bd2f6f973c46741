package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dreamware/shardq/internal/cluster"
	"github.com/dreamware/shardq/internal/merger"
	"github.com/dreamware/shardq/internal/model"
	"github.com/dreamware/shardq/internal/queue"
	"github.com/dreamware/shardq/internal/storage"
	"github.com/dreamware/shardq/internal/svcerrors"
)

// handleExec applies a single-phase mutation sent by another node to the local engine.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req cluster.ExecRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tuple, err := s.d.Executor.ExecLocal(r.Context(), param(r, "space"), req.Mutation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, cluster.ExecResponse{Tuple: tuple})
}

// handleReplicate applies a queued operation delivered by another node.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReplicateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.d.Queue.ApplyReplicated(r.Context(), param(r, "space"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleLocalOperation(w http.ResponseWriter, r *http.Request) {
	id, err := operationID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.d.Queue.LocalStatus(r.Context(), param(r, "space"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, status)
}

// handleLocalSelect returns one key or the whole space from the local engine.
func (s *Server) handleLocalSelect(w http.ResponseWriter, r *http.Request) {
	space := param(r, "space")
	query := r.URL.Query()
	resp := cluster.SelectResponse{Tuples: []storage.Tuple{}}

	if query.Has("key") {
		key, err := cluster.ParseID(query.Get("key"), query.Get("type"))
		if err != nil {
			s.writeError(w, r, svcerrors.NewBadRequestError(err))
			return
		}
		tuple, err := s.d.Executor.GetLocal(r.Context(), space, key)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if tuple != nil {
			resp.Tuples = append(resp.Tuples, tuple)
		}
	} else {
		tuples, err := s.d.Executor.SelectLocal(r.Context(), space)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if tuples != nil {
			resp.Tuples = tuples
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// handleWrite runs a single-phase write, the kind is the last path segment.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(param(r, "kind"))
	if err != nil {
		s.writeError(w, r, svcerrors.NewNotFoundError("kind", param(r, "kind")))
		return
	}
	var m model.Mutation
	if err := s.decode(r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	m.Kind = kind

	tuple, err := s.d.Executor.ApplySingle(r.Context(), param(r, "space"), m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, cluster.ExecResponse{Tuple: tuple})
}

// handleEnqueue persists a two-phase operation. A duplicate id is accepted too.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseKind(param(r, "kind"))
	if err != nil {
		s.writeError(w, r, svcerrors.NewNotFoundError("kind", param(r, "kind")))
		return
	}
	var req cluster.EnqueueRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == nil {
		s.writeError(w, r, svcerrors.NewBadRequestError(errors.New(`operation "id" is required`)))
		return
	}
	req.Mutation.Kind = kind

	created, err := s.d.Queue.Enqueue(r.Context(), param(r, "space"), *req.ID, req.Mutation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, cluster.EnqueueResponse{ID: *req.ID, Created: created})
}

func (s *Server) handleCheckOperation(w http.ResponseWriter, r *http.Request) {
	id, err := operationID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shardIndex, err := strconv.Atoi(r.URL.Query().Get("shard"))
	if err != nil {
		s.writeError(w, r, svcerrors.NewBadRequestError(errors.New(`query parameter "shard" must be a shard index`)))
		return
	}
	status, err := s.d.Queue.CheckOperation(r.Context(), param(r, "space"), id, shardIndex)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, status)
}

// handleSelect reads one key from its shard, or the whole space merged over all shards.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	space := param(r, "space")
	query := r.URL.Query()
	resp := cluster.SelectResponse{Tuples: []storage.Tuple{}}

	if query.Has("key") {
		key, err := cluster.ParseID(query.Get("key"), query.Get("type"))
		if err != nil {
			s.writeError(w, r, svcerrors.NewBadRequestError(err))
			return
		}
		tuple, err := s.d.Executor.Select(r.Context(), space, key.Value())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if tuple != nil {
			resp.Tuples = append(resp.Tuples, tuple)
		}
		s.writeJSON(w, r, http.StatusOK, resp)
		return
	}

	order, err := merger.ParseOrder(query.Get("order"))
	if err != nil {
		s.writeError(w, r, svcerrors.NewBadRequestError(err))
		return
	}
	tuples, err := s.d.Executor.SelectAll(r.Context(), space, order)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.Tuples = append(resp.Tuples, tuples...)
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.d.Executor.Stats(r.Context(), param(r, "space"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

func operationID(r *http.Request) (queue.OperationID, error) {
	query := r.URL.Query()
	if !query.Has("id") {
		return queue.OperationID{}, svcerrors.NewBadRequestError(errors.New(`query parameter "id" is required`))
	}
	id, err := cluster.ParseID(query.Get("id"), query.Get("type"))
	if err != nil {
		return queue.OperationID{}, svcerrors.NewBadRequestError(err)
	}
	return id, nil
}
