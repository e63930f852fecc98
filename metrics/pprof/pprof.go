// Package pprof serves the runtime profiles of a hub next to its metrics.
package pprof

import (
	"net/http"
	"net/http/pprof"
)

// Prefix is the path the profiles are mounted at.
const Prefix = "/debug/pprof"

// Handler serves the pprof index and the CPU, trace and named profiles below
// Prefix.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Prefix+"/", pprof.Index)
	mux.HandleFunc(Prefix+"/cmdline", pprof.Cmdline)
	mux.HandleFunc(Prefix+"/profile", pprof.Profile)
	mux.HandleFunc(Prefix+"/symbol", pprof.Symbol)
	mux.HandleFunc(Prefix+"/trace", pprof.Trace)
	for _, name := range []string{"heap", "goroutine", "allocs", "block", "mutex"} {
		mux.Handle(Prefix+"/"+name, pprof.Handler(name))
	}
	return mux
}
