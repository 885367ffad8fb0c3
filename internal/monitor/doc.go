// Package monitor runs the poll loop that turns new CDR rows into webhook
// reports.
//
// One iteration at a time: fetch the newest row inside the lookback window,
// report it, attach the compressed recording when there is one, then delete
// the row. The delete always runs once a row was fetched; removing the row is
// what keeps a call from being reported twice. A failed report is logged and
// lost, never retried.
package monitor
