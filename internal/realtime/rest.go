package realtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"replmux/internal/protocol"
	"replmux/internal/session"
)

type runCommandRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error protocol.ErrorPayload `json:"error"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionMgr.NewSession()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	info, err := sess.Info()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionInfo(info))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.ListResult{Sessions: s.sessionMgr.ListSessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.pathSession(w, r)
	if !ok {
		return
	}
	info, err := sess.Info()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionInfo(info))
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.pathSession(w, r)
	if !ok {
		return
	}

	var req runCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.ErrInvalidMessage, "invalid request body")
		return
	}

	output, err := sess.Run(req.Text)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.RunResult{Output: output})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.pathSession(w, r)
	if !ok {
		return
	}
	_ = sess.Close()

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// pathSession resolves the {id} path value. It writes the error response
// itself when the id is malformed or unknown.
func (s *Server) pathSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, protocol.ErrInvalidMessage, "invalid session id")
		return nil, false
	}

	sess, err := s.sessionMgr.GetSession(id)
	if err != nil {
		s.writeSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	if code == protocol.ErrInternal {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, httpStatus(code), errorResponse{Error: protocol.ErrorPayload{Code: code, Message: message}})
}

func httpStatus(code string) int {
	switch code {
	case protocol.ErrNotFound, protocol.ErrOutOfRange:
		return http.StatusNotFound
	case protocol.ErrClosed:
		return http.StatusGone
	case protocol.ErrRegistryClosed:
		return http.StatusServiceUnavailable
	case protocol.ErrTooManySessions:
		return http.StatusTooManyRequests
	case protocol.ErrInvalidMessage:
		return http.StatusBadRequest
	case protocol.ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
