// Copyright (C) 2025 Mural Search, Inc.
// See LICENSE for copying information.

package process

import (
	"fmt"
	"net/http"
	"sort"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// StatsHandler serves a plain-text dump of every monkit statistic in the
// registry, for scraping and debugging.
func StatsHandler(registry *monkit.Registry) http.Handler {
	if registry == nil {
		registry = monkit.Default
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type stat struct {
			name  string
			value float64
		}
		var stats []stat
		registry.Stats(func(name string, value float64) {
			stats = append(stats, stat{name, value})
		})
		sort.Slice(stats, func(i, k int) bool { return stats[i].name < stats[k].name })

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, s := range stats {
			fmt.Fprintf(w, "%s %v\n", s.name, s.value)
		}
	})
}
