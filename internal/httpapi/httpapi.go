// Package httpapi exposes the indexservice façade over HTTP, one thin
// echo handler per operation. Grounded on the echo wiring style found
// in the pack's server package (echo.New + middleware, c.Bind/c.JSON
// handlers returning map[string]string error bodies), adapted from that
// package's REST-agent surface to the query/reindex/admin surface
// this system needs.
package httpapi

import (
	"encoding/json"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/imgsift/imgsift/internal/indexservice"
	"github.com/imgsift/imgsift/internal/reveal"
	"github.com/imgsift/imgsift/internal/rootset"
	"github.com/imgsift/imgsift/internal/thumbnail"
)

// Server wires a Service to an echo router.
type Server struct {
	e   *echo.Echo
	svc *indexservice.Service
}

// New builds the echo router and registers every endpoint from the
// HTTP surface: /ready, /search_text, /search_image, /folders,
// /roots, /reindex, /reindex_status, /cancel_index, /remove_roots,
// /nuke_all, /thumb, /open_path.
func New(svc *indexservice.Service) *Server {
	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{e: e, svc: svc}

	e.GET("/ready", s.ready)
	e.POST("/search_text", s.searchText)
	e.POST("/search_image", s.searchImage)
	e.GET("/folders", s.folders)
	e.GET("/roots", s.roots)
	e.POST("/reindex", s.reindex)
	e.GET("/reindex_status", s.reindexStatus)
	e.POST("/cancel_index", s.cancelIndex)
	e.POST("/remove_roots", s.removeRoots)
	e.POST("/nuke_all", s.nukeAll)
	e.GET("/thumb", s.thumb)
	e.POST("/open_path", s.openPath)

	return s
}

// Handler returns the underlying http.Handler for use with a custom
// net/http.Server or httptest.
func (s *Server) Handler() http.Handler { return s.e }

func errJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func (s *Server) ready(c echo.Context) error {
	status := s.svc.Ready()
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        status.Ok,
		"indexed":   status.Indexed,
		"has_index": status.HasIndex,
		"dim":       status.Dim,
		"device":    status.Device,
	})
}

type searchTextRequest struct {
	Q       string         `json:"q"`
	TopK    int            `json:"topk"`
	Filters filtersRequest `json:"filters"`
}

type filtersRequest struct {
	Folder      string `json:"folder"`
	Orientation string `json:"orientation"`
}

func (f filtersRequest) toFilters() indexservice.Filters {
	return indexservice.Filters{Folder: f.Folder, Orientation: f.Orientation}
}

type searchItem struct {
	Path        string  `json:"path"`
	Score       float32 `json:"score"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Orientation string  `json:"orientation"`
	Folder      string  `json:"folder"`
}

func toSearchItems(results []indexservice.SearchResult) []searchItem {
	items := make([]searchItem, len(results))
	for i, r := range results {
		items[i] = searchItem{
			Path: r.Path, Score: r.Score, Width: r.Width, Height: r.Height,
			Orientation: r.Orientation, Folder: r.Folder,
		}
	}
	return items
}

func (s *Server) searchText(c echo.Context) error {
	var req searchTextRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}

	results, err := s.svc.SearchText(req.Q, req.TopK, req.Filters.toFilters())
	if err != nil {
		if errors.Is(err, indexservice.ErrNoIndex) {
			return errJSON(c, http.StatusConflict, "no index published")
		}
		return errJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": toSearchItems(results)})
}

func (s *Server) searchImage(c echo.Context) error {
	fileHeader, err := c.FormFile("image")
	if err != nil {
		return errJSON(c, http.StatusBadRequest, "missing image file")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return errJSON(c, http.StatusBadRequest, "cannot open uploaded image")
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, "cannot decode uploaded image")
	}

	topK := 10
	if v := c.FormValue("topk"); v != "" {
		if n, convErr := parsePositiveInt(v); convErr == nil {
			topK = n
		}
	}
	fr := filtersRequest{
		Folder:      c.FormValue("folder"),
		Orientation: c.FormValue("orientation"),
	}
	if v := c.FormValue("filters"); v != "" {
		if err := json.Unmarshal([]byte(v), &fr); err != nil {
			return errJSON(c, http.StatusBadRequest, "invalid filters JSON")
		}
	}
	filters := fr.toFilters()

	results, err := s.svc.SearchImage(img, topK, filters)
	if err != nil {
		if errors.Is(err, indexservice.ErrNoIndex) {
			return errJSON(c, http.StatusConflict, "no index published")
		}
		return errJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"items": toSearchItems(results)})
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}

func (s *Server) folders(c echo.Context) error {
	summary, err := s.svc.Folders()
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err.Error())
	}
	total := 0
	roots := make([]map[string]any, len(summary))
	for i, rf := range summary {
		total += rf.Count
		folders := make([]map[string]any, len(rf.Folders))
		for j, fc := range rf.Folders {
			folders[j] = map[string]any{"name": fc.Name, "count": fc.Count}
		}
		roots[i] = map[string]any{"root": rf.Root, "count": rf.Count, "folders": folders}
	}
	return c.JSON(http.StatusOK, map[string]any{"total_images": total, "roots": roots})
}

func (s *Server) roots(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"roots": s.svc.Roots()})
}

type reindexRequest struct {
	Roots []string `json:"roots"`
	Merge *bool    `json:"merge"`
}

func jobRecordJSON(rec indexservice.JobRecord) map[string]any {
	pct := 0.0
	if rec.Total > 0 {
		pct = 100 * float64(rec.Processed) / float64(rec.Total)
	}
	return map[string]any{
		"state":        rec.State,
		"phase":        rec.Phase,
		"running":      rec.Running,
		"processed":    rec.Processed,
		"total":        rec.Total,
		"error":        rec.Error,
		"cancelled":    rec.Cancelled,
		"job_id":       rec.JobID,
		"cancellable":  rec.Cancellable,
		"progress_pct": pct,
	}
}

func (s *Server) reindex(c echo.Context) error {
	var req reindexRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Roots) == 0 {
		return errJSON(c, http.StatusBadRequest, "roots must not be empty")
	}
	merge := true
	if req.Merge != nil {
		merge = *req.Merge
	}

	rec, err := s.svc.Reindex(req.Roots, merge)
	if err != nil {
		var valErr *rootset.ValidationError
		if errors.As(err, &valErr) {
			return errJSON(c, http.StatusBadRequest, valErr.Error())
		}
		return errJSON(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, jobRecordJSON(rec))
}

func (s *Server) reindexStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, jobRecordJSON(s.svc.CurrentJob()))
}

type cancelIndexRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) cancelIndex(c echo.Context) error {
	var req cancelIndexRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if err := s.svc.CancelIndex(req.JobID); err != nil {
		return errJSON(c, http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "cancelling", "job_id": req.JobID})
}

type removeRootsRequest struct {
	Roots []string `json:"roots"`
}

func (s *Server) removeRoots(c echo.Context) error {
	var req removeRootsRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if len(req.Roots) == 0 {
		return errJSON(c, http.StatusBadRequest, "roots must not be empty")
	}
	rec, err := s.svc.RemoveRoots(req.Roots)
	if err != nil {
		return errJSON(c, http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"state": rec.State, "removed": req.Roots, "roots": s.svc.Roots()})
}

type nukeAllRequest struct {
	Confirm string `json:"confirm"`
}

func (s *Server) nukeAll(c echo.Context) error {
	var req nukeAllRequest
	_ = c.Bind(&req) // empty body is valid; confirm is optional

	if req.Confirm != "" && req.Confirm != "NUKE" {
		return errJSON(c, http.StatusBadRequest, `confirm must equal "NUKE" when present`)
	}
	if err := s.svc.NukeAll(); err != nil {
		if errors.Is(err, indexservice.ErrJobRunning) {
			return errJSON(c, http.StatusLocked, err.Error())
		}
		return errJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "roots": []string{}, "indexed": 0})
}

func (s *Server) thumb(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" || !s.svc.IsIndexed(path) {
		return errJSON(c, http.StatusNotFound, "path is not indexed")
	}
	data, contentType, err := thumbnail.Get(path)
	if err != nil {
		return errJSON(c, http.StatusNotFound, err.Error())
	}
	return c.Blob(http.StatusOK, contentType, data)
}

type openPathRequest struct {
	Path string `json:"path"`
}

func (s *Server) openPath(c echo.Context) error {
	var req openPathRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if !underAnyRoot(req.Path, s.svc.Roots()) {
		return errJSON(c, http.StatusForbidden, "path is not under a configured root")
	}
	if !s.svc.IsIndexed(req.Path) {
		return errJSON(c, http.StatusNotFound, "path is not indexed")
	}
	if err := reveal.Open(req.Path); err != nil {
		return errJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
			return true
		}
	}
	return false
}
