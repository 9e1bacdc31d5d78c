package internal

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// UploadField is the multipart field carrying the image.
	UploadField = "image"
	// UploadRoute is the URL prefix uploaded files are served under.
	UploadRoute = "/uploads/"

	defaultMaxUpload = 10 << 20
	sniffLen         = 3072
	multipartSlack   = 1 << 20
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// UploadResponse is the body of a successful upload.
type UploadResponse struct {
	FileURL string `json:"fileUrl"`
}

// FileUploadHandler stores uploaded images on disk and serves them back.
type FileUploadHandler struct {
	uploadDir   string
	maxFileSize int64
	limiter     *RateLimiter
	metrics     *Metrics
	log         zerolog.Logger
	now         func() time.Time
}

func NewFileUploadHandler(uploadDir string, maxFileSize int64, limiter *RateLimiter, metrics *Metrics, log zerolog.Logger) *FileUploadHandler {
	if uploadDir == "" {
		uploadDir = "./uploads"
	}
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxUpload
	}
	return &FileUploadHandler{
		uploadDir:   uploadDir,
		maxFileSize: maxFileSize,
		limiter:     limiter,
		metrics:     metrics,
		log:         log,
		now:         time.Now,
	}
}

// Prepare creates the upload directory.
func (h *FileUploadHandler) Prepare() error {
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	return nil
}

// HandleUpload accepts a single image in the "image" field and answers with
// the URL it is served under.
func (h *FileUploadHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many uploads, slow down"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartSlack)
	if err := r.ParseMultipartForm(h.maxFileSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
			return
		}
		writeError(w, http.StatusBadRequest, errors.New("expected a multipart form"))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(UploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("no file uploaded"))
		return
	}
	defer file.Close()

	if header.Size > h.maxFileSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("file too large"))
		return
	}

	kind, err := sniff(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("unreadable file"))
		return
	}
	if !isAllowedImage(kind) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported file type %s", kind.String()))
		return
	}

	name, err := h.store(file, header.Filename)
	if err != nil {
		h.log.Error().Err(err).Str("filename", header.Filename).Msg("store upload")
		writeError(w, http.StatusInternalServerError, errors.New("failed to save file"))
		return
	}

	if h.metrics != nil {
		h.metrics.IncUpload()
	}
	h.log.Info().Str("file", name).Str("mime", kind.String()).Int64("size", header.Size).Msg("upload stored")
	writeJSON(w, http.StatusCreated, UploadResponse{FileURL: UploadRoute + name})
}

// FileServer serves stored uploads without directory listings.
func (h *FileUploadHandler) FileServer() http.Handler {
	files := http.FileServer(http.Dir(h.uploadDir))
	return http.StripPrefix(strings.TrimSuffix(UploadRoute, "/"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		files.ServeHTTP(w, r)
	}))
}

func (h *FileUploadHandler) store(file multipart.File, original string) (string, error) {
	if err := h.Prepare(); err != nil {
		return "", err
	}
	base := sanitizeFilename(original)
	name := fmt.Sprintf("%d-%s", h.now().UnixMilli(), base)
	dest, err := os.OpenFile(filepath.Join(h.uploadDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		name = fmt.Sprintf("%d-%s-%s", h.now().UnixMilli(), uuid.NewString()[:8], base)
		dest, err = os.OpenFile(filepath.Join(h.uploadDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, file); err != nil {
		_ = os.Remove(dest.Name())
		return "", fmt.Errorf("write upload file: %w", err)
	}
	return name, nil
}

// sniff detects the content type from the leading bytes and rewinds the file.
func sniff(file multipart.File) (*mimetype.MIME, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return mimetype.Detect(head[:n]), nil
}

// svg is excluded since it can carry script and is served from our origin.
func isAllowedImage(kind *mimetype.MIME) bool {
	return strings.HasPrefix(kind.String(), "image/") && !kind.Is("image/svg+xml")
}

// sanitizeFilename keeps letters, digits, dots and dashes of the base name.
func sanitizeFilename(original string) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "upload"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	return base
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
