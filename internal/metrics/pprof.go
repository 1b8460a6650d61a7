package metrics

import (
	"net/http"
	hpprof "net/http/pprof"
)

// WithPprof mounts the runtime profiling handlers under /debug/pprof/.
// Keep the metrics listener on loopback when this is on.
func WithPprof() ServerOption {
	return func(mux *http.ServeMux) {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
}
