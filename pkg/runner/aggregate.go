package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// mediaPayload is the JSON body of a media record.
type mediaPayload struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// aggregateConsole reduces the records collected during one poll into the
// result's console fields for the requested API version.
func aggregateConsole(result *NextResult, records []ResultRecord, apiVer int) error {
	switch {
	case apiVer == 1:
		return aggregateConsoleV1(result, records)
	case apiVer >= 2:
		return aggregateConsoleV2(result, records)
	default:
		return fmt.Errorf("runner: unrecognized API version %d", apiVer)
	}
}

// aggregateConsoleV1 splits records into per-type fields, concatenating all
// stdout and all stderr regardless of interleaving.
func aggregateConsoleV1(result *NextResult, records []ResultRecord) error {
	var stdout, stderr strings.Builder
	media := []MediaItem{}
	html := []string{}

	for _, rec := range records {
		switch rec.Type {
		case RecordStdout:
			stdout.WriteString(rec.Data)
		case RecordStderr:
			stderr.WriteString(rec.Data)
		case RecordMedia:
			if rec.Data == "" {
				continue
			}
			var m mediaPayload
			if err := json.Unmarshal([]byte(rec.Data), &m); err != nil {
				return fmt.Errorf("runner: decode media record: %w", err)
			}
			media = append(media, MediaItem{Type: m.Type, Data: m.Data})
		case RecordHTML:
			html = append(html, rec.Data)
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Media = media
	result.HTML = html
	return nil
}

// aggregateConsoleV2 produces a single ordered console list. Adjacent
// stdout records coalesce into one item, as do adjacent stderr records; a
// record of any other type flushes both accumulators first, so the list
// preserves the interleaving the kernel produced.
func aggregateConsoleV2(result *NextResult, records []ResultRecord) error {
	items := []ConsoleItem{}
	var lastStdout, lastStderr strings.Builder

	flushStdout := func() {
		if lastStdout.Len() > 0 {
			items = append(items, ConsoleItem{Type: RecordStdout, Data: lastStdout.String()})
			lastStdout.Reset()
		}
	}
	flushStderr := func() {
		if lastStderr.Len() > 0 {
			items = append(items, ConsoleItem{Type: RecordStderr, Data: lastStderr.String()})
			lastStderr.Reset()
		}
	}

	for _, rec := range records {
		if rec.Type != RecordStdout {
			flushStdout()
		}
		if rec.Type != RecordStderr {
			flushStderr()
		}
		switch {
		case rec.Type == RecordStdout:
			lastStdout.WriteString(rec.Data)
		case rec.Type == RecordStderr:
			lastStderr.WriteString(rec.Data)
		case rec.Type == RecordMedia:
			if rec.Data == "" {
				continue
			}
			var m mediaPayload
			if err := json.Unmarshal([]byte(rec.Data), &m); err != nil {
				return fmt.Errorf("runner: decode media record: %w", err)
			}
			items = append(items, ConsoleItem{Type: RecordMedia, Data: [2]string{m.Type, m.Data}})
		case isConsoleType(rec.Type):
			items = append(items, ConsoleItem{Type: rec.Type, Data: rec.Data})
		}
	}
	flushStdout()
	flushStderr()

	result.Console = items
	return nil
}
