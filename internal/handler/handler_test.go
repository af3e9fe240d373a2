package handler

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/S1riyS/naivefs/internal/middleware"
	"github.com/S1riyS/naivefs/internal/models"
	"github.com/S1riyS/naivefs/internal/pkg/kerrors"
	"github.com/S1riyS/naivefs/internal/repository"
	"github.com/S1riyS/naivefs/internal/service"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	fsRepo := repository.NewFilesystemRepository(t.TempDir())
	svc := service.NewFileSystemService(
		fsRepo,
		repository.NewInodeRepository(fsRepo),
		repository.NewDirectoryRepository(fsRepo),
		repository.NewContentRepository(fsRepo),
	)

	mux := http.NewServeMux()
	NewHandler(svc).RegisterRoutes(mux)
	srv := httptest.NewServer(middleware.RequestIDMiddleware(mux))
	t.Cleanup(func() {
		srv.Close()
		svc.Close(context.Background())
	})
	return srv
}

// call performs a request and splits the response into code and payload.
func call(t *testing.T, srv *httptest.Server, path string, params url.Values) (int64, []byte) {
	t.Helper()

	resp, err := http.Get(srv.URL + path + "?" + params.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), 8)
	return int64(binary.LittleEndian.Uint64(body)), body[8:]
}

func TestInitTwice(t *testing.T) {
	srv := newTestServer(t)

	code, _ := call(t, srv, "/api/init", url.Values{"token": {"t"}})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/init", url.Values{"token": {"t"}})
	require.Equal(t, -kerrors.EEXIST, code)
}

func TestMissingParameters(t *testing.T) {
	srv := newTestServer(t)

	code, _ := call(t, srv, "/api/lookup", url.Values{"token": {"t"}, "name": {"x"}})
	require.Equal(t, kerrors.EINVAL_NEG, code)

	code, _ = call(t, srv, "/api/lookup", url.Values{"token": {"t"}, "parent": {"root"}, "name": {"x"}})
	require.Equal(t, kerrors.EINVAL_NEG, code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/get_root?token=t", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCreateWriteRead(t *testing.T) {
	srv := newTestServer(t)

	code, data := call(t, srv, "/api/get_root", url.Values{"token": {"t"}})
	require.Zero(t, code)
	require.Len(t, data, 30)
	require.EqualValues(t, repository.VTFS_ROOT_INO, binary.LittleEndian.Uint64(data))

	code, data = call(t, srv, "/api/create_file", url.Values{
		"token": {"t"}, "parent": {"1000"}, "name": {"hello.txt"}, "mode": {"420"},
	})
	require.Zero(t, code)
	ino := int64(binary.LittleEndian.Uint64(data))

	code, data = call(t, srv, "/api/write", url.Values{
		"token":  {"t"},
		"ino":    {itoa(ino)},
		"len":    {"5"},
		"offset": {"0"},
		"data":   {base64.StdEncoding.EncodeToString([]byte("hello"))},
	})
	require.Zero(t, code)
	require.EqualValues(t, 5, binary.LittleEndian.Uint64(data))

	code, data = call(t, srv, "/api/read", url.Values{
		"token": {"t"}, "ino": {itoa(ino)}, "len": {"100"}, "offset": {"1"},
	})
	require.Zero(t, code)
	require.Equal(t, []byte("ello"), data)

	code, _ = call(t, srv, "/api/truncate", url.Values{"token": {"t"}, "ino": {itoa(ino)}, "size": {"2"}})
	require.Zero(t, code)

	code, data = call(t, srv, "/api/lookup_path", url.Values{"token": {"t"}, "path": {"/hello.txt"}})
	require.Zero(t, code)
	require.EqualValues(t, 2, binary.LittleEndian.Uint64(data[22:]))

	code, data = call(t, srv, "/api/iterate_dir", url.Values{"token": {"t"}, "dir_ino": {"1000"}, "offset": {"0"}})
	require.Zero(t, code)
	require.Len(t, data, 266)
	require.Equal(t, "hello.txt", string(data[:9]))
	require.Zero(t, data[9])

	code, _ = call(t, srv, "/api/rmdir", url.Values{"token": {"t"}, "parent": {"1000"}, "name": {"hello.txt"}})
	require.Equal(t, -kerrors.ENOTDIR, code)

	code, data = call(t, srv, "/api/statfs", url.Values{"token": {"t"}})
	require.Zero(t, code)
	require.Len(t, data, 48)
	require.EqualValues(t, 4096, binary.LittleEndian.Uint64(data))
}

func TestNameTooLong(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/api/create_file", "/api/mkdir"} {
		code, _ := call(t, srv, path, url.Values{
			"token": {"t"}, "parent": {"1000"}, "name": {strings.Repeat("x", 300)}, "mode": {"420"},
		})
		require.Equal(t, -kerrors.ENAMETOOLONG, code, path)
	}

	code, _ := call(t, srv, "/api/create_file", url.Values{
		"token": {"t"}, "parent": {"1000"}, "name": {"ok"}, "mode": {"420"},
	})
	require.Zero(t, code)

	code, data := call(t, srv, "/api/iterate_dir", url.Values{"token": {"t"}, "dir_ino": {"1000"}, "offset": {"0"}})
	require.Zero(t, code)
	require.Equal(t, "ok", string(data[:2]))
	require.Zero(t, data[2])
}

func TestDirectoryRoutes(t *testing.T) {
	srv := newTestServer(t)

	code, data := call(t, srv, "/api/mkdir", url.Values{
		"token": {"t"}, "parent": {"1000"}, "name": {"docs"}, "mode": {"493"},
	})
	require.Zero(t, code)
	require.Len(t, data, 30)
	dir := int64(binary.LittleEndian.Uint64(data))
	require.EqualValues(t, repository.VTFS_ROOT_INO, binary.LittleEndian.Uint64(data[8:]))
	require.EqualValues(t, models.NodeTypeDir, binary.LittleEndian.Uint16(data[16:]))

	code, data = call(t, srv, "/api/create_file", url.Values{
		"token": {"t"}, "parent": {itoa(dir)}, "name": {"a"}, "mode": {"420"},
	})
	require.Zero(t, code)
	file := int64(binary.LittleEndian.Uint64(data))

	code, data = call(t, srv, "/api/getattr", url.Values{"token": {"t"}, "ino": {itoa(file)}})
	require.Zero(t, code)
	require.Len(t, data, 30)
	require.Equal(t, file, int64(binary.LittleEndian.Uint64(data)))
	require.Equal(t, dir, int64(binary.LittleEndian.Uint64(data[8:])))
	require.EqualValues(t, models.NodeTypeFile, binary.LittleEndian.Uint16(data[16:]))

	code, _ = call(t, srv, "/api/unlink", url.Values{"token": {"t"}, "parent": {"1000"}, "name": {"docs"}})
	require.Equal(t, -kerrors.EISDIR, code)

	code, _ = call(t, srv, "/api/rmdir", url.Values{"token": {"t"}, "parent": {"1000"}, "name": {"docs"}})
	require.Equal(t, -kerrors.ENOTEMPTY, code)

	code, _ = call(t, srv, "/api/unlink", url.Values{"token": {"t"}, "parent": {itoa(dir)}, "name": {"a"}})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/getattr", url.Values{"token": {"t"}, "ino": {itoa(file)}})
	require.Equal(t, -kerrors.ENOENT, code)

	code, _ = call(t, srv, "/api/rmdir", url.Values{"token": {"t"}, "parent": {"1000"}, "name": {"docs"}})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/getattr", url.Values{"token": {"t"}})
	require.Equal(t, kerrors.EINVAL_NEG, code)
}

func TestTouchAndCountLinks(t *testing.T) {
	srv := newTestServer(t)

	code, data := call(t, srv, "/api/create_file", url.Values{
		"token": {"t"}, "parent": {"1000"}, "name": {"f"}, "mode": {"420"},
	})
	require.Zero(t, code)
	ino := itoa(int64(binary.LittleEndian.Uint64(data)))

	code, _ = call(t, srv, "/api/touch", url.Values{
		"token": {"t"}, "ino": {ino}, "atime": {"1700000000"}, "mtime": {"1700003600"},
	})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/touch", url.Values{"token": {"t"}, "ino": {ino}, "mtime": {"1700007200"}})
	require.Zero(t, code)

	code, _ = call(t, srv, "/api/touch", url.Values{"token": {"t"}, "ino": {ino}, "atime": {"yesterday"}})
	require.Equal(t, kerrors.EINVAL_NEG, code)

	code, _ = call(t, srv, "/api/touch", url.Values{"token": {"t"}, "ino": {"999999"}, "mtime": {"1"}})
	require.Equal(t, -kerrors.ENOENT, code)

	code, data = call(t, srv, "/api/count_links", url.Values{"token": {"t"}, "ino": {ino}})
	require.Zero(t, code)
	require.Len(t, data, 4)
	require.EqualValues(t, 1, binary.LittleEndian.Uint32(data))

	code, _ = call(t, srv, "/api/count_links", url.Values{"token": {"t"}, "ino": {"x"}})
	require.Equal(t, kerrors.EINVAL_NEG, code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
