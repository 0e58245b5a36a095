package sqlrunner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// probeBytes is how much of the body the validator fetches to check magic
// bytes. 512 covers every sniffable format we accept.
const probeBytes = 512

var acceptedMIMEs = []string{
	"text/csv",
	"text/tab-separated-values",
	"text/plain",
	"application/json",
	"application/x-ndjson",
}

func (p *Pool) validateURL(ctx domain.Context, rawURL string) domain.URLValidation {
	if err := CheckURL(ctx, rawURL, p.cfg.AllowPrivateURLs); err != nil {
		typ := domain.TaskErrValidation
		if errors.Is(err, ErrResolve) {
			typ = domain.TaskErrNetwork
		}
		return domain.URLValidation{Err: &domain.TaskError{Type: typ, Message: err.Error()}}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.URLValidation{Err: &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "malformed url: " + err.Error(),
		}}
	}
	if u.Scheme == "file" {
		return p.validateLocal(u.Path)
	}

	size, terr := p.probeSize(ctx, rawURL)
	if terr != nil {
		return domain.URLValidation{Err: terr}
	}
	if size > p.files.MaxFileBytes() {
		return domain.URLValidation{Err: &domain.TaskError{
			Type:    domain.TaskErrValidation,
			Message: fmt.Sprintf("file is %d bytes, above the %d byte limit", size, p.files.MaxFileBytes()),
		}}
	}

	head, terr := p.probeHead(ctx, rawURL)
	if terr != nil {
		return domain.URLValidation{Err: terr}
	}
	if terr := checkMagic(head, rawURL); terr != nil {
		return domain.URLValidation{Err: terr}
	}
	return domain.URLValidation{Valid: true, FileSizeBytes: size}
}

func (p *Pool) validateLocal(path string) domain.URLValidation {
	st, err := os.Stat(path)
	if err != nil {
		return domain.URLValidation{Err: &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "local file not readable: " + err.Error(),
		}}
	}
	if st.IsDir() {
		return domain.URLValidation{Err: &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "local path is a directory",
		}}
	}
	if st.Size() > p.files.MaxFileBytes() {
		return domain.URLValidation{Err: &domain.TaskError{
			Type:    domain.TaskErrValidation,
			Message: fmt.Sprintf("file is %d bytes, above the %d byte limit", st.Size(), p.files.MaxFileBytes()),
		}}
	}
	f, err := os.Open(path)
	if err != nil {
		return domain.URLValidation{Err: &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "local file not readable: " + err.Error(),
		}}
	}
	defer f.Close()
	head := make([]byte, probeBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return domain.URLValidation{Err: &domain.TaskError{
			Type: domain.TaskErrValidation, Message: "local file not readable: " + err.Error(),
		}}
	}
	if terr := checkMagic(head[:n], path); terr != nil {
		return domain.URLValidation{Err: terr}
	}
	return domain.URLValidation{Valid: true, FileSizeBytes: st.Size()}
}

// probeSize issues a HEAD request. A transport failure is a network error;
// a non-2xx status is surfaced as a validation error so the caller sees what
// the origin said. A missing Content-Length reports size 0.
func (p *Pool) probeSize(ctx domain.Context, rawURL string) (int64, *domain.TaskError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, &domain.TaskError{Type: domain.TaskErrValidation, Message: "malformed url: " + err.Error()}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, p.timeoutOr(ctx, err, domain.TaskErrNetwork, "HEAD request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &domain.TaskError{
			Type:    domain.TaskErrValidation,
			Message: fmt.Sprintf("HEAD request returned %s", resp.Status),
		}
	}
	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	return 0, nil
}

// probeHead fetches the first probeBytes of the body with a ranged GET.
// Origins that ignore Range are fine: only the prefix is read either way.
func (p *Pool) probeHead(ctx domain.Context, rawURL string) ([]byte, *domain.TaskError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.TaskError{Type: domain.TaskErrValidation, Message: "malformed url: " + err.Error()}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeBytes-1))
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.timeoutOr(ctx, err, domain.TaskErrNetwork, "GET request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.TaskError{
			Type:    domain.TaskErrValidation,
			Message: fmt.Sprintf("GET request returned %s", resp.Status),
		}
	}
	head := make([]byte, probeBytes)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, p.timeoutOr(ctx, err, domain.TaskErrNetwork, "reading response body failed")
	}
	return head[:n], nil
}

// checkMagic accepts Parquet by its magic prefix and the text formats by
// sniffed MIME type. Only exact matches count: text/html descends from
// text/plain but an HTML error page saved as .csv must still be rejected.
func checkMagic(head []byte, source string) *domain.TaskError {
	if len(head) == 0 {
		return &domain.TaskError{Type: domain.TaskErrValidation, Message: "file is empty"}
	}
	if bytes.HasPrefix(head, parquetMagic) {
		return nil
	}
	mtype := mimetype.Detect(head)
	for _, accept := range acceptedMIMEs {
		if mtype.Is(accept) {
			return nil
		}
	}
	return &domain.TaskError{
		Type: domain.TaskErrValidation,
		Message: fmt.Sprintf("unsupported content type %s for %s; expected CSV, JSON or Parquet",
			mtype.String(), displayName(source)),
	}
}

func displayName(source string) string {
	if u, err := url.Parse(source); err == nil && u.Path != "" {
		if i := strings.LastIndexByte(u.Path, '/'); i >= 0 && i+1 < len(u.Path) {
			return u.Path[i+1:]
		}
		return u.Path
	}
	return "the file"
}
