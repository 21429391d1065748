package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log. onPanic, when
// set, runs after the log line (metrics hook).
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err, ok := rec.(error)
				if !ok {
					err = xerrors.Newf("%v", rec)
				}
				ctx := r.Context()
				L := log.FromContext(ctx)
				if L == log.Nop() {
					L = base
				}
				L.Error(ctx, xerrors.Wrap(err, "panic in http handler"), "http handler panic",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
