package httpserver

import (
	"encoding/json"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"filedock/internal/apierr"
)

const maxFormBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// ok writes a success envelope. fields may be nil.
func ok(w http.ResponseWriter, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	writeJSON(w, http.StatusOK, fields)
}

func errorBody(err error) map[string]any {
	return map[string]any{
		"success": false,
		"error":   apierr.Message(err),
		"code":    apierr.KindOf(err).String(),
	}
}

// fail writes the error envelope. Internal failures are logged with their
// cause; the client only sees the generic message.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	failWith(w, r, err, nil)
}

func failWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	kind := apierr.KindOf(err)
	if kind == apierr.KindIOFailure || kind == apierr.KindPermissionDenied {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	body := errorBody(err)
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, kind.HTTPStatus(), body)
}

// only rejects other methods with a 405 envelope.
func only(method string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			methodNotAllowed(w, method)
			return
		}
		h(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "method not allowed",
		"code":    apierr.KindInvalidRequest.String(),
	})
}

// formArgs collects request arguments from the query string and from a
// urlencoded, multipart or JSON body. Body values win.
func formArgs(r *http.Request, limit int64) (url.Values, error) {
	if limit <= 0 {
		limit = maxFormBody
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/json":
		var m map[string]any
		dec := json.NewDecoder(io.LimitReader(r.Body, limit))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, apierr.Invalid("bad json")
		}
		v := url.Values{}
		for k, raw := range m {
			switch x := raw.(type) {
			case string:
				v.Set(k, x)
			case json.Number:
				v.Set(k, x.String())
			case bool:
				v.Set(k, strconv.FormatBool(x))
			}
		}
		for k, vs := range r.URL.Query() {
			if _, set := v[k]; !set {
				v[k] = vs
			}
		}
		return v, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, apierr.Invalid("bad multipart form")
		}
		return r.Form, nil
	default:
		r.Body = http.MaxBytesReader(nil, r.Body, limit)
		if err := r.ParseForm(); err != nil {
			return nil, apierr.Invalid("bad form")
		}
		return r.Form, nil
	}
}

// required reports the first missing argument.
func required(v url.Values, names ...string) error {
	for _, n := range names {
		if _, set := v[n]; !set {
			return apierr.Invalid("missing parameter: " + n)
		}
	}
	return nil
}

func intArg(v url.Values, name string) (int, error) {
	n, err := strconv.Atoi(v.Get(name))
	if err != nil {
		return 0, apierr.Invalid("invalid " + name)
	}
	return n, nil
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.stats.Requests.Add(1)
		if rec.status >= 500 {
			s.stats.ServerErrors.Add(1)
		}
		log.Printf("%s %s %d %dB %s", r.Method, r.URL.Path, rec.status, rec.bytes, time.Since(start).Truncate(time.Microsecond))
	})
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Printf("panic %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false,
				"error":   "internal error",
				"code":    apierr.KindIOFailure.String(),
			})
		}()
		next.ServeHTTP(w, r)
	})
}
