// Package report writes routing, pipe and message map dumps.
//
// Each dump is a JSON-lines file built from bus snapshots. Route dumps walk
// the routing table a window at a time so the bus lock is never held for
// the whole table. File names ending in .gz are gzip compressed.
package report
