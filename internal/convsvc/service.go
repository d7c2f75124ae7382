package convsvc

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	defaultMaxFileMB     = 40
	defaultMinInputKB    = 100
	defaultMinOutputKB   = 50
	multipartMemoryBytes = 32 << 20
)

var rawSuffixes = map[string]bool{
	".dng": true, ".cr2": true, ".cr3": true, ".nef": true, ".nrw": true,
	".arw": true, ".raf": true, ".rw2": true, ".orf": true, ".pef": true,
	".srw": true, ".x3f": true, ".3fr": true, ".iiq": true, ".dcr": true,
	".kdc": true, ".mrw": true,
}

var rawMimePrefixes = []string{"image/x-", "image/raw", "image/dng", "image/prs.adobe.dng"}

func allowedSuffix(ext string) bool {
	switch ext {
	case ".heic", ".heif", ".webp", ".tif", ".tiff":
		return true
	}
	return rawSuffixes[ext]
}

type convertParams struct {
	Quality int `validate:"min=1,max=100"`
	MaxSide int `validate:"omitempty,min=1"`
}

type Service struct {
	apiKey         string
	maxFileBytes   int64
	minInputBytes  int64
	minOutputBytes int64
	validate       *validator.Validate
}

func New(apiKey string, maxFileMB int64) *Service {
	if maxFileMB <= 0 {
		maxFileMB = defaultMaxFileMB
	}
	logMissingTools()
	return &Service{
		apiKey:         apiKey,
		maxFileBytes:   maxFileMB << 20,
		minInputBytes:  defaultMinInputKB << 10,
		minOutputBytes: defaultMinOutputKB << 10,
		validate:       validator.New(),
	}
}

func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Post("/convert", s.handleConvert)
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Service) handleConvert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.apiKey == "" {
		httpError(w, http.StatusInternalServerError, "converter API key is not configured")
		return
	}
	if r.Header.Get("X-API-KEY") != s.apiKey {
		httpError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	params := convertParams{Quality: 92}
	if v := r.FormValue("quality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "quality must be an integer")
			return
		}
		params.Quality = q
	}
	if v := r.FormValue("max_side"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "max_side must be an integer")
			return
		}
		params.MaxSide = ms
	}
	if err := s.validate.Struct(params); err != nil {
		httpError(w, http.StatusBadRequest, "quality must be in 1..100, max_side must be > 0")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, s.maxFileBytes+1))
	if err != nil {
		httpError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if int64(len(content)) > s.maxFileBytes {
		httpError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %dMB", s.maxFileBytes>>20))
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	isRaw := rawSuffixes[ext]
	if ext == "" {
		// No extension: trust the sniffed content type for RAW uploads.
		isRaw = rawContentType(mimetype.Detect(content).String())
	}
	if !allowedSuffix(ext) && !(ext == "" && isRaw) {
		httpError(w, http.StatusBadRequest, "unsupported file extension")
		return
	}

	if _, ok := nativeDecoder(ext); ok {
		out, err := convertNative(bytes.NewReader(content), ext, params.Quality, params.MaxSide)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "conversion failed: "+truncateStderr(err.Error()))
			return
		}
		s.writeJPEG(w, start, ext, len(content), out, params)
		return
	}

	out, status, err := s.convertExternal(r, ext, isRaw, content, params)
	if err != nil {
		httpError(w, status, truncateStderr(err.Error()))
		return
	}
	s.writeJPEG(w, start, ext, len(content), out, params)
}

// convertExternal runs the tool-based path inside a scratch dir that is
// removed once the response bytes are in memory.
func (s *Service) convertExternal(r *http.Request, ext string, isRaw bool, content []byte, params convertParams) ([]byte, int, error) {
	if isRaw && int64(len(content)) < s.minInputBytes {
		return nil, http.StatusUnprocessableEntity,
			fmt.Errorf("RAW input too small: %d bytes (min %d)", len(content), s.minInputBytes)
	}

	tmpDir, err := os.MkdirTemp("", "convert-")
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	effectiveExt := ext
	if effectiveExt == "" {
		effectiveExt = ".dng"
	}
	inPath := filepath.Join(tmpDir, "input"+effectiveExt)
	outPath := filepath.Join(tmpDir, "output.jpg")

	if err := os.WriteFile(inPath, content, 0o600); err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("write input: %w", err)
	}

	ctx := r.Context()
	switch {
	case isRaw:
		err = s.convertRAW(ctx, inPath, outPath, params.Quality, params.MaxSide)
	case ext == ".heic" || ext == ".heif":
		err = s.convertHEIF(ctx, inPath, outPath, params.Quality, params.MaxSide)
	default:
		if err = magickToJPEG(ctx, inPath, outPath, params.Quality, params.MaxSide); err == nil {
			err = checkOutputFile(outPath, s.minOutputBytes)
		}
	}
	if err != nil {
		return nil, http.StatusUnprocessableEntity, fmt.Errorf("conversion failed: %w", err)
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("read output: %w", err)
	}
	return out, http.StatusOK, nil
}

func (s *Service) writeJPEG(w http.ResponseWriter, start time.Time, ext string, inBytes int, out []byte, params convertParams) {
	log.Printf("[convsvc] status=ok ext=%s in_bytes=%d out_bytes=%d quality=%d max_side=%d elapsed_ms=%d",
		ext, inBytes, len(out), params.Quality, params.MaxSide, time.Since(start).Milliseconds())

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", `attachment; filename="output.jpg"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func rawContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, prefix := range rawMimePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func httpError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"detail":%q}`, detail)
}
