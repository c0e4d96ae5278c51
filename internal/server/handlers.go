package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jamesruggles/aegis/internal/database"
	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/project"
	"github.com/jamesruggles/aegis/internal/report"
	"github.com/jamesruggles/aegis/internal/scanner"
	"github.com/jamesruggles/aegis/internal/tools"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, project.ErrNotFound),
		errors.Is(err, scanner.ErrJobNotFound),
		errors.Is(err, scanner.ErrUnknownProject),
		errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, project.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, project.ErrInvalidName),
		errors.Is(err, model.ErrNoTarget),
		errors.Is(err, model.ErrInvalidTarget),
		errors.Is(err, model.ErrInvalidPort),
		errors.Is(err, model.ErrInvalidProfile),
		errors.Is(err, model.ErrUnknownTool),
		errors.Is(err, report.ErrUnknownFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createProjectRequest struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// handleAPIProjects handles /api/projects (collection)
func (s *Server) handleAPIProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.List()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)

	case http.MethodPost:
		var req createProjectRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, statusOrBadRequest(err), "invalid JSON")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		p, err := s.store.CreateWithMetadata(req.Name, req.Metadata)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func statusOrBadRequest(err error) int {
	if st := statusFor(err); st != http.StatusInternalServerError {
		return st
	}
	return http.StatusBadRequest
}

// handleAPIProject handles /api/projects/{name} (single resource)
func (s *Server) handleAPIProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	switch r.Method {
	case http.MethodGet:
		p, err := s.store.Get(name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		if err := s.store.Delete(name); err != nil {
			s.fail(w, r, err)
			return
		}
		if s.db != nil {
			if err := s.db.DeleteProjectScans(r.Context(), name); err != nil {
				s.logger.Warn("catalog cleanup failed", "project", name, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleAPIProjectScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	history, err := s.store.History(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleAPIProjectResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	rep, err := s.loadReport(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// loadReport returns the report named by the scan query parameter, or the
// latest one.
func (s *Server) loadReport(r *http.Request) (model.ScanReport, error) {
	name := r.PathValue("name")
	if id := r.URL.Query().Get("scan"); id != "" {
		return s.store.LoadReport(name, id)
	}
	return s.store.LoadScanResults(name)
}

var contentTypes = map[report.Format]string{
	report.FormatJSON:     "application/json",
	report.FormatMarkdown: "text/markdown; charset=utf-8",
	report.FormatHTML:     "text/html; charset=utf-8",
	report.FormatPDF:      "application/pdf",
}

// handleAPIProjectReport renders a report. With save=true the file is
// written into the project directory instead of returned.
func (s *Server) handleAPIProjectReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	format := report.FormatMarkdown
	if f := r.URL.Query().Get("format"); f != "" {
		var err error
		if format, err = report.ParseFormat(f); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	rep, err := s.loadReport(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if save, _ := strconv.ParseBool(r.URL.Query().Get("save")); save || r.Method == http.MethodPost {
		path, err := s.store.ReportPath(r.PathValue("name"), report.FileName(rep, format))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.reportGen.Save(path, rep, format); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"path": path, "format": string(format)})
		return
	}

	var buf bytes.Buffer
	if err := s.reportGen.Write(&buf, rep, format); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[format])
	w.Header().Set("Content-Disposition", `inline; filename="`+report.FileName(rep, format)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleAPIProjectBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	archive, err := s.store.Backup(r.PathValue("name"), "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"archive": archive})
}

func (s *Server) handleAPIProjectMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPatch {
		methodNotAllowed(w, http.MethodPut, http.MethodPatch)
		return
	}
	name := r.PathValue("name")

	var values map[string]string
	if err := decodeJSON(r, &values); err != nil {
		writeError(w, statusOrBadRequest(err), "invalid JSON")
		return
	}
	for k, v := range values {
		if err := s.store.SetMetadata(name, k, v); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	info, err := s.store.Info(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type startScanRequest struct {
	Project string            `json:"project"`
	Target  model.Target      `json:"target"`
	Profile model.ScanProfile `json:"profile"`
}

// handleAPIScans handles /api/scans: GET lists jobs, POST starts one.
func (s *Server) handleAPIScans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.executor.Jobs())

	case http.MethodPost:
		var req startScanRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, statusOrBadRequest(err), "invalid JSON")
			return
		}
		if req.Project == "" {
			writeError(w, http.StatusBadRequest, "project is required")
			return
		}
		if req.Profile.ScanType == "" {
			req.Profile.ScanType = model.ScanQuick
		}

		id, err := s.executor.Start(req.Project, req.Target, req.Profile)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		info, _ := s.executor.Job(id)
		w.Header().Set("Location", "/api/scans/"+id)
		writeJSON(w, http.StatusAccepted, info)

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleAPIScan handles /api/scans/{id}. Jobs of this process are served
// from the executor; older scans from the catalog.
func (s *Server) handleAPIScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		if info, ok := s.executor.Job(id); ok {
			writeJSON(w, http.StatusOK, info)
			return
		}
		if s.db == nil {
			s.fail(w, r, scanner.ErrJobNotFound)
			return
		}
		scan, err := s.db.GetScan(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		runs, err := s.db.ToolRunsByScan(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		services, err := s.db.ServicesByScan(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scan":     scan,
			"tools":    runs,
			"services": services,
		})

	case http.MethodDelete:
		if err := s.executor.Cancel(id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})

	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) requireCatalog(w http.ResponseWriter) bool {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "scan catalog is disabled")
		return false
	}
	return true
}

func limitParam(r *http.Request, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

func (s *Server) handleAPIRecentScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireCatalog(w) {
		return
	}

	var (
		scans []database.Scan
		err   error
	)
	if p := r.URL.Query().Get("project"); p != "" {
		scans, err = s.db.ListScansByProject(r.Context(), p)
	} else {
		scans, err = s.db.ListRecentScans(r.Context(), limitParam(r, 20, 500))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scans)
}

func (s *Server) handleAPIScanFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireCatalog(w) {
		return
	}
	findings, err := s.db.FindingsByScan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleAPIFindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireCatalog(w) {
		return
	}
	sev := model.Severity(strings.ToLower(r.URL.Query().Get("severity")))
	if !sev.IsValid() {
		writeError(w, http.StatusBadRequest, "severity must be one of critical, high, medium, low, info, unknown")
		return
	}
	findings, err := s.db.FindingsBySeverity(r.Context(), string(sev), limitParam(r, 100, 1000))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if !s.requireCatalog(w) {
		return
	}
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAPIToolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	statuses := tools.Detect(r.Context(), scanner.ToolBinaries(s.cfg))
	statuses = append(statuses, tools.ToolStatus{
		Name:      string(model.ToolTLSInspect),
		Binary:    "builtin",
		Installed: true,
	})
	writeJSON(w, http.StatusOK, statuses)
}
