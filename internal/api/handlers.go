// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"patchd/internal/catalog"
	"patchd/internal/errors"
	"patchd/internal/inventory"
	"patchd/internal/service"
	"patchd/internal/snapshot"
)

// DefaultPageSize is used when a file listing omits count.
const DefaultPageSize = 1000

// Publisher republishes the served snapshot on demand.
type Publisher interface {
	Publish(ctx context.Context) (*snapshot.Snapshot, error)
}

// History lists previously published snapshots.
type History interface {
	List() ([]catalog.Record, error)
}

// FilesPage is one page of the pre-order file listing.
type FilesPage struct {
	First   int                   `json:"first"`
	Total   int                   `json:"total"`
	Entries []inventory.FileEntry `json:"entries"`
}

// ChecksumResponse carries a single aggregate checksum.
type ChecksumResponse struct {
	Checksum inventory.Digest `json:"checksum"`
}

// ChecksumsResponse carries the child checksums of one node.
type ChecksumsResponse struct {
	Node      int                `json:"node"`
	Checksums []inventory.Digest `json:"checksums"`
}

type FileServerHandler struct {
	svc       *service.Service
	publisher Publisher
	history   History
}

// NewFileServerHandler wires the handler. publisher and history may be nil,
// in which case republishing and history listing are unavailable.
func NewFileServerHandler(svc *service.Service, publisher Publisher, history History) *FileServerHandler {
	return &FileServerHandler{svc: svc, publisher: publisher, history: history}
}

// Register mounts every route on mux.
func (h *FileServerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/files", h.Files)
	mux.HandleFunc("GET /api/v1/checksum0", h.Checksum0)
	mux.HandleFunc("GET /api/v1/checksum1", h.Checksum1)
	mux.HandleFunc("GET /api/v1/nodes/{node}/checksums", h.NodeChecksums)
	mux.HandleFunc("GET /api/v1/nodes/{node}/children", h.NodeChildren)
	mux.HandleFunc("GET /api/v1/content", h.Content)
	mux.HandleFunc("GET /api/v1/stat", h.Stat)
	mux.HandleFunc("GET /api/v1/snapshot", h.Snapshot)
	mux.HandleFunc("POST /api/v1/snapshot", h.Republish)
	mux.HandleFunc("GET /api/v1/snapshots", h.Snapshots)
}

func (h *FileServerHandler) Files(w http.ResponseWriter, r *http.Request) {
	first, err := intParam(r, "first", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := intParam(r, "count", DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := h.svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	// Page from the snapshot already loaded so Total and Entries agree.
	writeJSON(w, http.StatusOK, FilesPage{
		First:   first,
		Total:   snap.Tree.Len(),
		Entries: snap.Tree.Entries(first, count),
	})
}

func (h *FileServerHandler) Checksum0(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.GetChecksum0()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChecksumResponse{Checksum: sum})
}

func (h *FileServerHandler) Checksum1(w http.ResponseWriter, r *http.Request) {
	sums, err := h.svc.GetChecksum1Seq()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChecksumsResponse{Node: 0, Checksums: sums})
}

func (h *FileServerHandler) NodeChecksums(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sums, err := h.svc.GetChecksum2Seq(node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChecksumsResponse{Node: node, Checksums: sums})
}

func (h *FileServerHandler) NodeChildren(w http.ResponseWriter, r *http.Request) {
	node, err := nodeParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	children, err := h.svc.ListChildren(node)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (h *FileServerHandler) Content(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, errors.ValidationError("path is required", nil))
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	length, err := intParam(r, "length", math.MaxInt32)
	if err != nil {
		writeError(w, err)
		return
	}

	chunk, err := h.svc.GetFileCompressed(r.Context(), path, int64(offset), length)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
	w.WriteHeader(http.StatusOK)
	w.Write(chunk)
}

func (h *FileServerHandler) Stat(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, errors.ValidationError("path is required", nil))
		return
	}
	entry, err := h.svc.Stat(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *FileServerHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.Record())
}

func (h *FileServerHandler) Republish(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		writeError(w, errors.Unavailable("republishing is disabled"))
		return
	}
	snap, err := h.publisher.Publish(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap.Record())
}

func (h *FileServerHandler) Snapshots(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, []catalog.Record{})
		return
	}
	records, err := h.history.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []catalog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func nodeParam(r *http.Request) (int, error) {
	raw := r.PathValue("node")
	node, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.ValidationError("node must be an integer", map[string]string{"node": raw})
	}
	return node, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.ValidationError(name+" must be an integer", map[string]string{name: raw})
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e := errors.As(err)
	writeJSON(w, e.Code, e)
}
