// Package pprof keeps the net/http/pprof import side effect out of the metrics
// package, so that library consumers only pull in the profiling endpoints when
// a binary asks for them.
package pprof

import (
	"net/http"

	pprof "net/http/pprof" // adds default pprof endpoint at /debug/pprof
)

// WithProfile provides an http mux setup to serve pprof endpoints. It should be mounted at /debug/pprof
func WithProfile() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)

	return mux
}
