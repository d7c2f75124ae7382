package convsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	toolTimeout  = 90 * time.Second
	dcrawTimeout = 120 * time.Second

	maxStderrChars = 4096
)

var rawDecodeSuffixes = []string{".tiff", ".tif", ".ppm", ".pgm"}

type toolError struct {
	tool    string
	stderr  string
	timeout bool
}

func (e *toolError) Error() string {
	kind := "failed"
	if e.timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s %s: %s", e.tool, kind, e.stderr)
}

func truncateStderr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderrChars {
		return s
	}
	return fmt.Sprintf("%s...[truncated %d chars]", s[:maxStderrChars], len(s)-maxStderrChars)
}

// runTool executes an external converter with a single-threaded environment
// so parallel jobs do not oversubscribe the box.
func runTool(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "OMP_NUM_THREADS=1", "OPENBLAS_NUM_THREADS=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	msg := truncateStderr(stderr.String())
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if msg == "" {
			msg = fmt.Sprintf("timeout after %v", timeout)
		}
		return nil, &toolError{tool: name, stderr: msg, timeout: true}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, &toolError{tool: name, stderr: "command not found"}
	}
	if msg == "" {
		msg = err.Error()
	}
	return nil, &toolError{tool: name, stderr: msg}
}

// magickToJPEG converts input to an sRGB JPEG, resizing only downward.
func magickToJPEG(ctx context.Context, inPath, outPath string, quality, maxSide int) error {
	args := []string{
		"-limit", "thread", "1",
		inPath,
		"-auto-orient",
		"-colorspace", "sRGB",
	}
	if maxSide > 0 {
		args = append(args, "-resize", fmt.Sprintf("%dx%d>", maxSide, maxSide))
	}
	args = append(args, "-quality", strconv.Itoa(quality), "-strip", outPath)

	_, err := runTool(ctx, toolTimeout, "magick", args...)
	return err
}

func checkOutputFile(path string, minBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file missing: %s", path)
	}
	if info.Size() < minBytes {
		return fmt.Errorf("output file too small: %s (%d bytes)", path, info.Size())
	}
	return nil
}

// identifyOK asks magick for the dimensions and rejects thumbnails. Embedded
// RAW previews are sometimes tiny stubs that decode fine but are useless.
func identifyOK(ctx context.Context, path string) bool {
	out, err := runTool(ctx, toolTimeout, "magick", "identify", "-format", "%w %h", path)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return false
	}
	w, err1 := strconv.Atoi(fields[0])
	h, err2 := strconv.Atoi(fields[1])
	return err1 == nil && err2 == nil && w >= 200 && h >= 200
}

// findDecodedRaw locates the file dcraw wrote next to the input. dcraw picks
// the suffix itself, so glob the input stem and take the newest match.
func findDecodedRaw(inPath string) (string, error) {
	stem := strings.TrimSuffix(inPath, filepath.Ext(inPath))

	matches, _ := filepath.Glob(stem + "*")
	var best string
	var bestTime time.Time
	for _, m := range matches {
		ext := strings.ToLower(filepath.Ext(m))
		ok := false
		for _, s := range rawDecodeSuffixes {
			if ext == s {
				ok = true
				break
			}
		}
		if !ok {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best = m
			bestTime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("decoded output not found for %s", filepath.Base(inPath))
	}
	return best, nil
}

// convertRAW walks the fallback ladder: embedded preview extraction first
// (fast, usually full-size on modern cameras), then a real demosaic via
// dcraw_emu or dcraw. Every failed step is logged and collected so a final
// failure names what was tried.
func (s *Service) convertRAW(ctx context.Context, inPath, outPath string, quality, maxSide int) error {
	var steps []string

	fail := func(tool string, err error) {
		msg := truncateStderr(err.Error())
		log.Printf("[convsvc] raw_step=%s status=fail reason=%s", tool, msg)
		steps = append(steps, fmt.Sprintf("%s: %s", tool, msg))
	}

	for _, tag := range []string{"PreviewImage", "JpgFromRaw"} {
		preview, err := runTool(ctx, toolTimeout, "exiftool", "-b", "-"+tag, inPath)
		if err != nil {
			fail("exiftool:"+tag, err)
			continue
		}
		if len(preview) == 0 {
			fail("exiftool:"+tag, errors.New("empty preview stream"))
			continue
		}

		previewPath := filepath.Join(filepath.Dir(inPath), "raw_preview.jpg")
		if err := os.WriteFile(previewPath, preview, 0o600); err != nil {
			fail("exiftool:"+tag, err)
			continue
		}
		if err := checkOutputFile(previewPath, s.minOutputBytes); err != nil || !identifyOK(ctx, previewPath) {
			fail("exiftool:"+tag, errors.New("extracted preview failed checks"))
			continue
		}
		if err := magickToJPEG(ctx, previewPath, outPath, quality, maxSide); err != nil {
			fail("exiftool:"+tag, err)
			continue
		}
		if err := checkOutputFile(outPath, s.minOutputBytes); err != nil || !identifyOK(ctx, outPath) {
			fail("exiftool:"+tag, errors.New("output jpeg failed checks"))
			continue
		}
		log.Printf("[convsvc] raw_step=exiftool:%s status=ok", tag)
		return nil
	}

	for _, tool := range []string{"dcraw_emu", "dcraw"} {
		_, err := runTool(ctx, dcrawTimeout, tool, "-T", "-w", "-q", "3", "-H", "0", inPath)
		if err != nil {
			fail(tool, err)
			continue
		}
		decoded, err := findDecodedRaw(inPath)
		if err != nil {
			fail(tool, err)
			continue
		}
		if err := checkOutputFile(decoded, s.minOutputBytes); err != nil || !identifyOK(ctx, decoded) {
			fail(tool, errors.New("decoded image failed checks"))
			continue
		}
		if err := magickToJPEG(ctx, decoded, outPath, quality, maxSide); err != nil {
			fail(tool, err)
			continue
		}
		if err := checkOutputFile(outPath, s.minOutputBytes); err != nil || !identifyOK(ctx, outPath) {
			fail(tool, errors.New("output jpeg failed checks"))
			continue
		}
		log.Printf("[convsvc] raw_step=%s status=ok", tool)
		return nil
	}

	return fmt.Errorf("RAW conversion failed; %s", strings.Join(steps, " | "))
}

// convertHEIF tries magick first and falls back to heif-convert when magick
// was built without libheif.
func (s *Service) convertHEIF(ctx context.Context, inPath, outPath string, quality, maxSide int) error {
	err := magickToJPEG(ctx, inPath, outPath, quality, maxSide)
	if err == nil {
		return checkOutputFile(outPath, s.minOutputBytes)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "decode") {
		return err
	}

	fallback := filepath.Join(filepath.Dir(inPath), "heif_fallback.jpg")
	if _, err := runTool(ctx, toolTimeout, "heif-convert", inPath, fallback); err != nil {
		return fmt.Errorf("heif fallback: %w", err)
	}
	if err := checkOutputFile(fallback, s.minOutputBytes); err != nil {
		return err
	}
	if err := magickToJPEG(ctx, fallback, outPath, quality, maxSide); err != nil {
		return err
	}
	return checkOutputFile(outPath, s.minOutputBytes)
}

// logMissingTools warns once at startup about absent converters. The service
// still starts: native formats keep working without any of them.
func logMissingTools() {
	var missing []string
	for _, tool := range []string{"magick", "exiftool", "heif-convert"} {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if _, err1 := exec.LookPath("dcraw_emu"); err1 != nil {
		if _, err2 := exec.LookPath("dcraw"); err2 != nil {
			missing = append(missing, "dcraw_emu|dcraw")
		}
	}
	if len(missing) > 0 {
		log.Printf("[convsvc] missing tools: %s", strings.Join(missing, ","))
	}
}
