// Package clitable turns the control CLI's free-text tabular reports into
// structured rows. The CLI is the only window into engine state, so every
// listing in the gateway funnels through here. Malformed input is never an
// error: unparseable lines are skipped and the result degrades to fewer (or
// zero) rows.
package clitable

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"foundrygate/pkg/types"
)

// Row markers, one fixed leading glyph per report kind.
const (
	markerRunning = "🟢"
	markerStored  = "💾"
)

var columnGap = regexp.MustCompile(`\s{2,}`)

var (
	logMu   sync.Mutex
	logger  = zerolog.Nop()
	seenLog = map[string]bool{}
)

// SetLogger installs the diagnostic logger used for parse anomalies.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	logger = l
	seenLog = map[string]bool{}
	logMu.Unlock()
}

// anomaly logs one diagnostic per anomaly shape per process, so a busted
// report format shows up in logs without flooding them on every poll.
func anomaly(shape, line string) {
	logMu.Lock()
	defer logMu.Unlock()
	if seenLog[shape] {
		return
	}
	seenLog[shape] = true
	logger.Warn().Str("shape", shape).Str("line", line).Msg("unparseable report line")
}

// reportBody drops the report preamble: the first two lines of every report
// kind are banner/header and never carry rows.
func reportBody(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) <= 2 {
		return nil
	}
	return lines[2:]
}

// markerFields strips the marker from a row line and splits the remainder on
// whitespace. Returns nil when the line is not a row of this report kind.
func markerFields(line, marker string) []string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, marker) {
		return nil
	}
	return strings.Fields(strings.TrimPrefix(trimmed, marker))
}

// rowAliasID applies the shared marker-row shape: first field is the alias,
// everything after it joins into the model id (ids may contain single
// spaces). Single-column rows carry only the id; the alias falls back to it.
func rowAliasID(fields []string) (alias, modelID string, ok bool) {
	switch {
	case len(fields) == 0:
		return "", "", false
	case len(fields) == 1:
		return fields[0], fields[0], true
	default:
		return fields[0], strings.Join(fields[1:], " "), true
	}
}

// ParseCacheRows parses the cache listing: one row per locally stored
// artifact, marked with the stored glyph.
func ParseCacheRows(text string) []types.CacheEntry {
	var out []types.CacheEntry
	for _, line := range reportBody(text) {
		fields := markerFields(line, markerStored)
		if fields == nil {
			continue
		}
		alias, id, ok := rowAliasID(fields)
		if !ok {
			anomaly("cache_row_empty", line)
			continue
		}
		out = append(out, types.CacheEntry{Alias: alias, ModelID: id})
	}
	return out
}

// ParseServiceRows parses the residency listing: one row per model currently
// loaded in the engine, marked with the running glyph.
func ParseServiceRows(text string) []types.ServiceModel {
	var out []types.ServiceModel
	for _, line := range reportBody(text) {
		fields := markerFields(line, markerRunning)
		if fields == nil {
			continue
		}
		alias, id, ok := rowAliasID(fields)
		if !ok {
			anomaly("service_row_empty", line)
			continue
		}
		out = append(out, types.ServiceModel{
			Alias:   alias,
			ModelID: id,
			Device:  types.DeviceFromModelID(id),
		})
	}
	return out
}

// ParseCatalog parses the two-level catalog listing. A non-indented line
// starts a new alias record; when it carries the full column set it is also
// the alias's first variant row. Indented continuation lines are further
// variants of the most recent alias. Columns are separated by runs of two or
// more spaces, so a model id keeps its embedded single spaces intact.
func ParseCatalog(text string) []types.CatalogModel {
	var out []types.CatalogModel
	currentAlias := ""
	for _, line := range reportBody(text) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indented := line[0] == ' ' || line[0] == '\t'
		cols := columnGap.Split(strings.TrimSpace(line), -1)
		if indented {
			if currentAlias == "" {
				anomaly("catalog_variant_without_alias", line)
				continue
			}
			// device, task, file size, license, model id
			if len(cols) < 5 {
				continue
			}
			id := strings.Join(cols[4:], " ")
			out = append(out, types.CatalogModel{
				Alias:    currentAlias,
				ModelID:  id,
				Device:   parseDevice(cols[0], id),
				Task:     cols[1],
				FileSize: cols[2],
				License:  cols[3],
			})
			continue
		}
		if len(cols) == 0 || cols[0] == "" {
			continue
		}
		currentAlias = cols[0]
		// alias, device, task, file size, license, model id: only a line
		// with the full column set is itself a variant row.
		if len(cols) < 6 {
			continue
		}
		id := strings.Join(cols[5:], " ")
		out = append(out, types.CatalogModel{
			Alias:    currentAlias,
			ModelID:  id,
			Device:   parseDevice(cols[1], id),
			Task:     cols[2],
			FileSize: cols[3],
			License:  cols[4],
		})
	}
	return out
}

func parseDevice(col, modelID string) types.Device {
	switch strings.ToUpper(strings.TrimSpace(col)) {
	case "CPU":
		return types.DeviceCPU
	case "GPU":
		return types.DeviceGPU
	case "NPU":
		return types.DeviceNPU
	}
	return types.DeviceFromModelID(modelID)
}
