package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/problem"
)

const internalDetail = "the request could not be completed"

// Recover converts handler panics into a 500 problem response. When
// development is set the panic value is included in the detail.
// [http.ErrAbortHandler] is re-raised so the server can abort the response.
func Recover(development bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				observe.Logger(r.Context()).Error("server: handler panic",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
				detail := internalDetail
				if development {
					detail = fmt.Sprintf("panic: %v", rec)
				}
				problem.Write(w, r, http.StatusInternalServerError, detail)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
