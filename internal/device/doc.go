// Package device defines the device model and the in-memory cache shared
// between the realtime session (writer) and its consumers (readers).
//
// A Device is either a GPS collar or a home base station. Records are
// created from the initial REST snapshot and then kept current by
// field-level merges of realtime deltas. The cache guarantees that a
// reader never observes a partially-merged record: merges build a copy
// under the write lock and swap the pointer, and every read returns a
// deep copy.
//
// Derived values (battery percentage, signal dBm/percent/level) are
// computed at merge time from the raw wire values, so consumers always
// read finished numbers and never re-derive.
package device
