package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"tracegate.org/internal/auth"
	"tracegate.org/internal/ingest"
)

type ingestRequest struct {
	Project string        `json:"project"`
	Spans   []ingest.Span `json:"spans"`
}

// handleTraces serves span export and retrieval. The endpoint sits outside
// session middleware: the ingestion gate authorizes every attempt itself and
// accepts API keys as well as access tokens.
func (a *API) handleTraces(w http.ResponseWriter, r *http.Request) {
	credential, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	user, _, err := a.gate.Authenticate(r.Context(), credential)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithUser(r.Context(), user)
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		a.ingestSpans(w, r)
	case http.MethodGet:
		a.listSpans(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) ingestSpans(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.spans.Ingest(r.Context(), req.Project, req.Spans)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (a *API) listSpans(w http.ResponseWriter, r *http.Request) {
	project := strings.TrimSpace(r.URL.Query().Get("project"))
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	spans, err := a.spans.List(r.Context(), project, limit)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if spans == nil {
		spans = []ingest.Span{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"spans": spans})
}
