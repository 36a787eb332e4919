package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"document-rag-server/internal/apperr"
	"document-rag-server/internal/models"
	"document-rag-server/internal/rag"

	"github.com/rs/zerolog/hlog"
)

const maxQueryBody = 1 << 20

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type uploadResponse struct {
	Message    string `json:"message"`
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
	Characters int    `json:"characters"`
	Strategy   string `json:"strategy"`
}

type queryRequest struct {
	Query    string `json:"query"`
	Question string `json:"question"`
	Owner    string `json:"owner"`
	UserID   string `json:"user_id"`
	Strategy string `json:"strategy"`
	K        int    `json:"k"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, uploadError(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "upload", "file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, uploadError(err))
		return
	}

	doc, err := s.pipeline.Ingest(r.Context(), rag.IngestRequest{
		Owner:    firstNonEmpty(r.FormValue("owner"), r.FormValue("user_id")),
		FileName: header.Filename,
		Data:     data,
		Strategy: r.FormValue("strategy"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Message:    "File uploaded and processed successfully",
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		Characters: doc.Characters,
		Strategy:   doc.Strategy,
	})
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.New(apperr.KindValidation, "upload", "file is too large")
	}
	return apperr.New(apperr.KindValidation, "upload", "invalid multipart upload")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQuery(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ans, err := s.pipeline.Query(r.Context(), models.Query{
		Question: firstNonEmpty(req.Query, req.Question),
		Owner:    firstNonEmpty(req.Owner, req.UserID),
		Strategy: req.Strategy,
		K:        req.K,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// decodeQuery accepts a JSON body or form fields.
func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, error) {
	var req queryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, apperr.New(apperr.KindValidation, "query", "invalid JSON body")
		}
		return req, nil
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxQueryBody); err != nil {
			return req, apperr.New(apperr.KindValidation, "query", "invalid form body")
		}
	} else if err := r.ParseForm(); err != nil {
		return req, apperr.New(apperr.KindValidation, "query", "invalid form body")
	}
	req.Query = r.FormValue("query")
	req.Question = r.FormValue("question")
	req.Owner = r.FormValue("owner")
	req.UserID = r.FormValue("user_id")
	req.Strategy = r.FormValue("strategy")
	if v := strings.TrimSpace(r.FormValue("k")); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return req, apperr.New(apperr.KindValidation, "query", "k must be an integer")
		}
		req.K = k
	}
	return req, nil
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs, err := s.pipeline.ListDocuments(r.Context(), firstNonEmpty(q.Get("owner"), q.Get("user_id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// handleHealth reports the record count of every strategy. A collection the
// configured embedder may not use makes the service unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	records, err := s.pipeline.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"records": records,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Str("kind", string(kind)).Int("status", status).Msg("Request failed")

	writeJSON(w, status, errorResponse{Error: errorBody{
		Kind:      string(kind),
		Message:   apperr.Message(err),
		Retryable: apperr.Retryable(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
