package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/pkg/kerrors"
	"github.com/S1riyS/naivefs/internal/service"
	"github.com/S1riyS/naivefs/pkg/binary"
	"github.com/S1riyS/naivefs/pkg/logging"
	"github.com/S1riyS/naivefs/pkg/logging/slogext"
)

// maxReadSize caps a single read. Shorter reads are legal.
const maxReadSize = 1 << 20

var errBadQuery = errors.New("bad query")

type Handler struct {
	service service.FileSystemService
}

func NewHandler(service service.FileSystemService) *Handler {
	return &Handler{service: service}
}

// query reads request parameters and remembers the first problem it meets,
// so that a handler can parse everything and check once.
type query struct {
	r   *http.Request
	err error
}

func newQuery(r *http.Request) *query {
	return &query{r: r}
}

func (q *query) str(key string) string {
	v := q.r.URL.Query().Get(key)
	if v == "" && q.err == nil {
		q.err = errBadQuery
	}
	return v
}

func (q *query) signed(key string) int64 {
	v := q.str(key)
	if q.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		q.err = err
	}
	return n
}

func (q *query) unsigned(key string, bits int) uint64 {
	v := q.str(key)
	if q.err != nil {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		q.err = err
	}
	return n
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handler) HandleInit(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Init(r.Context(), token); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleGetRoot(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.GetRoot(r.Context(), token)
	writeNodeMeta(w, meta, err)
}

func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	parent := q.signed("parent")
	name := q.str("name")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Lookup(r.Context(), token, parent, name)
	writeNodeMeta(w, meta, err)
}

// HandleLookupPath resolves an absolute path in one round trip.
func (h *Handler) HandleLookupPath(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	path := q.str("path")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.LookupPath(r.Context(), token, path)
	writeNodeMeta(w, meta, err)
}

func (h *Handler) HandleGetattr(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	ino := q.signed("ino")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := h.service.Stat(r.Context(), token, ino)
	writeNodeMeta(w, meta, err)
}

func (h *Handler) HandleIterateDir(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	dirIno := q.signed("dir_ino")
	offset := q.unsigned("offset", 64)
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	dirent, err := h.service.IterateDir(r.Context(), token, dirIno, &offset)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeDirent(dirent)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

type createFunc func(ctx context.Context, token string, parentIno int64, name string, mode uint32) (*models.NodeMeta, error)

func (h *Handler) HandleCreateFile(w http.ResponseWriter, r *http.Request) {
	h.handleCreate(w, r, h.service.CreateFile)
}

func (h *Handler) HandleMkdir(w http.ResponseWriter, r *http.Request) {
	h.handleCreate(w, r, h.service.CreateDir)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, create createFunc) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	parent := q.signed("parent")
	name := q.str("name")
	mode := q.unsigned("mode", 32)
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	meta, err := create(r.Context(), token, parent, name, uint32(mode))
	writeNodeMeta(w, meta, err)
}

func (h *Handler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	h.handleRemove(w, r, h.service.Unlink)
}

func (h *Handler) HandleRmdir(w http.ResponseWriter, r *http.Request) {
	h.handleRemove(w, r, h.service.Rmdir)
}

func (h *Handler) handleRemove(
	w http.ResponseWriter,
	r *http.Request,
	remove func(ctx context.Context, token string, parentIno int64, name string) error,
) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	parent := q.signed("parent")
	name := q.str("name")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := remove(r.Context(), token, parent, name); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleRead(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	ino := q.signed("ino")
	length := q.unsigned("len", 32)
	offset := q.signed("offset")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	buffer := make([]byte, min(length, maxReadSize))
	read, err := h.service.Read(r.Context(), token, ino, buffer, offset)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	// Только прочитанные байты
	binary.WriteResponse(w, 0, buffer[:read])
}

func (h *Handler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	const op = "handler.HandleWrite"

	logger := logging.GetLoggerFromContextWithOp(ctx, op)

	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	ino := q.signed("ino")
	length := q.unsigned("len", 64)
	offset := q.signed("offset")
	dataBase64 := q.str("data")
	if q.err != nil {
		logger.Warn("Bad write request", slogext.Err(q.err), slog.String("query", r.URL.RawQuery))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		logger.Warn("Failed to decode base64 data", slogext.Err(err))
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	written, err := h.service.Write(ctx, token, ino, data, length, offset)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	logger.Debug("Write successful",
		slog.Int64("ino", ino),
		slog.Int64("bytes_written", written),
		slog.Int64("offset", offset),
	)
	binary.WriteInt64Response(w, 0, written)
}

func (h *Handler) HandleTruncate(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	ino := q.signed("ino")
	size := q.signed("size")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Truncate(r.Context(), token, ino, size); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

// HandleTouch sets atime and mtime, given in unix seconds. A missing value
// keeps the stored one.
func (h *Handler) HandleTouch(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	ino := q.signed("ino")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	var times [2]time.Time
	for i, key := range []string{"atime", "mtime"} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
			return
		}
		times[i] = time.Unix(sec, 0)
	}

	if err := h.service.Touch(r.Context(), token, ino, times[0], times[1]); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleLink(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	targetIno := q.signed("target_ino")
	parent := q.signed("parent")
	name := q.str("name")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	if err := h.service.Link(r.Context(), token, targetIno, parent, name); err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteResponse(w, 0, nil)
}

func (h *Handler) HandleCountLinks(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	ino := q.signed("ino")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	count, err := h.service.CountLinks(r.Context(), token, ino)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}
	binary.WriteUint32Response(w, 0, count)
}

func (h *Handler) HandleStatfs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	q := newQuery(r)
	token := q.str("token")
	if q.err != nil {
		binary.WriteResponse(w, kerrors.EINVAL_NEG, nil)
		return
	}

	stats, err := h.service.Statfs(r.Context(), token)
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeStatfs(stats)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"naivefs"}`))
}

func writeNodeMeta(w http.ResponseWriter, meta *models.NodeMeta, err error) {
	if err != nil {
		binary.WriteResponse(w, mapErrorToCode(err), nil)
		return
	}

	data, err := binary.EncodeNodeMeta(meta)
	if err != nil {
		binary.WriteResponse(w, kerrors.ENOMEM_NEG, nil)
		return
	}
	binary.WriteResponse(w, 0, data)
}

// mapErrorToCode returns the negated errno of a service error.
func mapErrorToCode(err error) int64 {
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return -serviceErr.Code
	}
	// По умолчанию ENOMEM
	return kerrors.ENOMEM_NEG
}
