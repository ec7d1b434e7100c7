package css

import (
	"sort"

	"github.com/wrench-project/wrenchsim/pkg/storage"
)

// Allocator decides where one file part lands. It is handed the part to
// place, the physical services grouped by host, the committed allocation
// map of every file the service already holds (keyed by file id), and
// the locations already chosen for earlier parts of the same file. It
// returns the chosen location, or an empty slice when nothing fits.
//
// Policies are plain function values, not a hierarchy; the service calls
// whatever it was constructed with.
type Allocator func(part storage.DataFile, resources map[string][]storage.Service, existing map[string][]storage.FileLocation, prior []storage.FileLocation) []storage.FileLocation

// NewRoundRobinAllocator returns the reference allocator: a persistent
// cursor walks hosts first, then disk indexes, skipping backends without
// enough free bytes and backends already holding an earlier part of the
// same file (parts of one file never share a physical storage).
func NewRoundRobinAllocator() Allocator {
	var serverCursor int
	var diskCursor int

	return func(part storage.DataFile, resources map[string][]storage.Service, existing map[string][]storage.FileLocation, prior []storage.FileLocation) []storage.FileLocation {
		hosts := make([]string, 0, len(resources))
		for h := range resources {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		if len(hosts) == 0 {
			return nil
		}

		used := make(map[string]bool, len(prior))
		for _, p := range prior {
			used[p.Service] = true
		}

		total := 0
		for _, svcs := range resources {
			total += len(svcs)
		}

		cur := serverCursor % len(hosts)
		sel := diskCursor
		advance := func() {
			cur++
			if cur == len(hosts) {
				cur = 0
				sel++
			}
		}

		for tries := 0; tries < total+len(hosts); tries++ {
			svcs := resources[hosts[cur]]
			if len(svcs) > 0 {
				svc := svcs[sel%len(svcs)]
				if !used[svc.Name()] && svc.FreeSpace() >= part.SizeBytes {
					advance()
					serverCursor, diskCursor = cur, sel
					return []storage.FileLocation{{Service: svc.Name(), Path: part.ID, File: part}}
				}
			}
			advance()
		}
		return nil
	}
}
