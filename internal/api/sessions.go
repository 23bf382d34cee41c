package api

import (
	"encoding/json"
	"net/http"
)

type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) sessionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{session}/files", s.handleListFiles)
	mux.HandleFunc("DELETE /api/sessions/{session}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{session}/rename", s.handleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{session}/files/{file}", s.handleDeleteFile)
	mux.HandleFunc("POST /api/sessions/{session}/files/{file}/rename", s.handleRenameFile)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.rec.Store().List()
	if err != nil {
		s.log.Error("List sessions: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusForError(err))
		return
	}
	writeJSON(w, map[string]any{"sessions": infos, "active": s.rec.Session().Name})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.rec.Store().Files(r.PathValue("session"))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusForError(err))
		return
	}
	writeJSON(w, map[string]any{"files": files})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	if err := s.rec.Store().DeleteSession(name, s.rec.Session().Name); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusForError(err))
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRename(w, r)
	if !ok {
		return
	}
	name := r.PathValue("session")
	if err := s.rec.Store().RenameSession(name, req.NewName, s.rec.Session().Name); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusForError(err))
		return
	}
	writeJSON(w, map[string]any{"success": true, "name": req.NewName})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Store().DeleteFile(r.PathValue("session"), r.PathValue("file")); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusForError(err))
		return
	}
	writeJSON(w, map[string]any{"success": true})
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRename(w, r)
	if !ok {
		return
	}
	name, err := s.rec.Store().RenameFile(r.PathValue("session"), r.PathValue("file"), req.NewName)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, statusForError(err))
		return
	}
	writeJSON(w, map[string]any{"success": true, "name": name})
}

func decodeRename(w http.ResponseWriter, r *http.Request) (renameRequest, bool) {
	var req renameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.NewName == "" {
		writeJSONWithStatus(w, map[string]any{"error": "body must be {\"new_name\": \"...\"}"}, http.StatusBadRequest)
		return req, false
	}
	return req, true
}
