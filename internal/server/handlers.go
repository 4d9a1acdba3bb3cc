package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/observe"
	"github.com/MrWong99/procagent/internal/session"
	"github.com/MrWong99/procagent/internal/tool"
	"github.com/MrWong99/procagent/internal/tool/catalog"
	"github.com/MrWong99/procagent/internal/tool/export"
	"github.com/MrWong99/procagent/internal/tool/procedure"
	"github.com/MrWong99/procagent/pkg/types"
)

type chatRequest struct {
	Message   string `json:"message"`
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId,omitempty"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type sessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

type toolsResponse struct {
	Tools []tool.Spec `json:"tools"`
	Count int         `json:"count"`
}

type definitionsResponse struct {
	Tools []types.ToolDefinition `json:"tools"`
}

type dispatchRequest struct {
	ToolName string `json:"tool_name"`
	// Arguments is a JSON object or a string holding one.
	Arguments json.RawMessage `json:"arguments"`
	TenantID  string          `json:"tenantId,omitempty"`
}

type catalogRequest struct {
	Description string               `json:"description"`
	Procedure   string               `json:"procedure,omitempty"`
	Parameters  []tool.ParameterSpec `json:"parameters"`
	Enabled     *bool                `json:"enabled,omitempty"`
}

type catalogResponse struct {
	Entries []catalog.Entry `json:"entries"`
	Count   int             `json:"count"`
}

// sharedTenant addresses the shared catalog scope in /catalog routes. It can
// never be a valid tenant name.
const sharedTenant = "*"

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenantId is required")
		return
	}

	log := observe.Logger(r.Context())
	sess, _, err := s.app.Sessions().GetOrCreate(r.Context(), req.TenantID, req.SessionID)
	switch {
	case errors.Is(err, session.ErrTenantMismatch):
		writeError(w, http.StatusForbidden, "session belongs to another tenant")
		return
	case errors.Is(err, db.ErrUnknownTenant):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error("chat: open session", "tenant", req.TenantID, "err", err)
		writeError(w, http.StatusInternalServerError, "Error processing message: "+err.Error())
		return
	}

	reply, err := sess.Chat(r.Context(), req.Message)
	if err != nil {
		log.Error("chat: turn failed", "session_id", sess.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "Error processing message: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: reply, SessionID: sess.ID, Timestamp: s.timestamp()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.app.Sessions().Reset(req.SessionID); err != nil {
		s.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Session reset successfully"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Sessions().Delete(r.Context(), r.PathValue("sessionId")); err != nil {
		s.sessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Session deleted successfully"})
}

func (s *Server) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	observe.Logger(r.Context()).Error("session operation failed", "err", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.app.Sessions().List()
	if list == nil {
		list = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list, Count: len(list)})
}

// tenant returns the tenant named by the path or ?tenantId=, falling back to
// the configured default.
func (s *Server) tenant(r *http.Request) string {
	if t := r.PathValue("tenantId"); t != "" {
		return t
	}
	if t := r.URL.Query().Get("tenantId"); t != "" {
		return t
	}
	return s.app.Config().Database.DefaultTenant
}

func (s *Server) registry(w http.ResponseWriter, r *http.Request, tenant string) (*tool.Registry, bool) {
	reg, err := s.app.Registry(r.Context(), tenant)
	if err != nil {
		observe.Logger(r.Context()).Error("build registry", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return reg, true
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registry(w, r, s.tenant(r))
	if !ok {
		return
	}
	specs := reg.ListSpecs()
	writeJSON(w, http.StatusOK, toolsResponse{Tools: specs, Count: len(specs)})
}

func (s *Server) handleToolDefinitions(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registry(w, r, s.tenant(r))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, definitionsResponse{Tools: reg.Definitions()})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	raw, err := rawArguments(req.Arguments)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = s.app.Config().Database.DefaultTenant
	}
	if err := db.ValidateTenant(tenant); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reg, ok := s.registry(w, r, tenant)
	if !ok {
		return
	}
	ctx := db.WithTenant(r.Context(), tenant)
	writeJSON(w, http.StatusOK, reg.DispatchJSON(ctx, req.ToolName, raw))
}

// rawArguments accepts the arguments either as a JSON object or as a string
// containing one, the way models emit them.
func rawArguments(msg json.RawMessage) (string, error) {
	if len(msg) == 0 || string(msg) == "null" {
		return "", nil
	}
	if msg[0] == '"' {
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return "", errors.New("arguments: invalid string")
		}
		return s, nil
	}
	return string(msg), nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	e := s.app.Exporter()
	if e == nil {
		writeError(w, http.StatusNotFound, "export is disabled")
		return
	}
	name := r.PathValue("filename")
	path, err := e.Path(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if fi, err := os.Stat(path); err != nil || fi.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

// catalogTenant maps the path segment to a catalog scope.
func catalogTenant(r *http.Request) (string, error) {
	t := r.PathValue("tenantId")
	if t == sharedTenant {
		return "", nil
	}
	return t, db.ValidateTenant(t)
}

func (s *Server) handleCatalogList(w http.ResponseWriter, r *http.Request) {
	tenant, err := catalogTenant(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.app.Catalog().List(r.Context(), tenant)
	if err != nil {
		observe.Logger(r.Context()).Error("catalog list", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, catalogResponse{Entries: entries, Count: len(entries)})
}

func (s *Server) handleCatalogPut(w http.ResponseWriter, r *http.Request) {
	tenant, err := catalogTenant(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req catalogRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e := &catalog.Entry{
		Definition: procedure.Definition{
			Name:        r.PathValue("name"),
			Description: req.Description,
			Procedure:   req.Procedure,
			Parameters:  req.Parameters,
		},
		Tenant:  tenant,
		Enabled: req.Enabled == nil || *req.Enabled,
	}
	if err := s.app.Catalog().Upsert(r.Context(), e); err != nil {
		if errors.Is(err, tool.ErrInvalidSpec) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observe.Logger(r.Context()).Error("catalog upsert", "tenant", tenant, "name", e.Name, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	observe.Logger(r.Context()).Info("catalog entry saved", "tenant", tenant, "name", e.Name, "enabled", e.Enabled)
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleCatalogDelete(w http.ResponseWriter, r *http.Request) {
	tenant, err := catalogTenant(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := r.PathValue("name")
	if err := s.app.Catalog().Delete(r.Context(), tenant, name); err != nil {
		observe.Logger(r.Context()).Error("catalog delete", "tenant", tenant, "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Catalog entry deleted"})
}
