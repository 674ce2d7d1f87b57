// Package runner implements the kernel run multiplexer: it drives the
// duplex channel to one kernel, demultiplexes its output frames into typed
// queues, arbitrates which API caller's run currently owns the output
// stream, and reduces queued records into client-facing results.
package runner

import "encoding/json"

// RecordType tags one output record. The tag namespace is open-ended on
// the wire: kernels may emit tags this agent does not know about, which
// flow through to the active run's queue verbatim.
type RecordType string

// Console record types, visible to API clients as console items.
const (
	RecordStdout     RecordType = "stdout"
	RecordStderr     RecordType = "stderr"
	RecordMedia      RecordType = "media"
	RecordHTML       RecordType = "html"
	RecordLog        RecordType = "log"
	RecordCompletion RecordType = "completion"
)

// Control record types, surfaced as the result status rather than as
// console items.
const (
	RecordContinued     RecordType = "continued"
	RecordCleanFinished RecordType = "clean-finished"
	RecordBuildFinished RecordType = "build-finished"
	RecordFinished      RecordType = "finished"
	RecordExecTimeout   RecordType = "exec-timeout"
	RecordWaitingInput  RecordType = "waiting-input"
)

// consoleTypes are the record types that appear in aggregated results;
// control signals are excluded since they become the status field.
var consoleTypes = map[RecordType]struct{}{
	RecordStdout:     {},
	RecordStderr:     {},
	RecordMedia:      {},
	RecordHTML:       {},
	RecordLog:        {},
	RecordCompletion: {},
}

func isConsoleType(t RecordType) bool {
	_, ok := consoleTypes[t]
	return ok
}

// ResultRecord is one demultiplexed kernel output record. Immutable once
// created.
type ResultRecord struct {
	Type RecordType
	Data string
}

// ConsoleItem is one entry of a v2 console list. It marshals as a
// [type, data] tuple for wire compatibility with existing clients.
type ConsoleItem struct {
	Type RecordType
	Data any
}

// MarshalJSON encodes the item as a two-element array.
func (c ConsoleItem) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.Type, c.Data})
}

// MediaItem is a decoded media record. It marshals as a [type, data]
// tuple, matching the v1 media list element shape.
type MediaItem struct {
	Type string
	Data string
}

// MarshalJSON encodes the item as a two-element array.
func (m MediaItem) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.Type, m.Data})
}

// NextResult is the client-facing result of one poll. Exactly one of the
// v1 field group (Stdout/Stderr/Media/HTML) or the v2 Console list is
// populated, selected by the caller's API version.
type NextResult struct {
	RunID    string         `json:"runId"`
	Status   RecordType     `json:"status"`
	ExitCode *int           `json:"exitCode"`
	Options  map[string]any `json:"options"`

	// v1
	Stdout string      `json:"stdout,omitempty"`
	Stderr string      `json:"stderr,omitempty"`
	Media  []MediaItem `json:"media,omitempty"`
	HTML   []string    `json:"html,omitempty"`

	// v2
	Console []ConsoleItem `json:"console,omitempty"`
}
