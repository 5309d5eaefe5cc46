package signal

import (
	"fmt"
	"strconv"
	"strings"

	"ecgdigitize/internal/models"
)

// Row is one flattened sample of the digitized record. The ID embeds
// record, sample index and lead as {record}_{sampleIndex}_{lead}.
type Row struct {
	ID    string
	Value float64
}

// RowID builds the projection key for one sample
func RowID(record string, sample int, lead models.Lead) string {
	return fmt.Sprintf("%s_%d_%s", record, sample, lead)
}

// ParseRowID splits a projection key back into its parts. Record names
// may themselves contain underscores, so the key is parsed from the
// right.
func ParseRowID(id string) (record string, sample int, lead models.Lead, err error) {
	leadSep := strings.LastIndexByte(id, '_')
	if leadSep < 0 {
		return "", 0, 0, fmt.Errorf("row id %q has no lead suffix", id)
	}
	lead, err = models.ParseLead(id[leadSep+1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("row id %q: %w", id, err)
	}

	sampleSep := strings.LastIndexByte(id[:leadSep], '_')
	if sampleSep < 0 {
		return "", 0, 0, fmt.Errorf("row id %q has no sample index", id)
	}
	sample, err = strconv.Atoi(id[sampleSep+1 : leadSep])
	if err != nil || sample < 0 {
		return "", 0, 0, fmt.Errorf("row id %q has a bad sample index %q", id, id[sampleSep+1:leadSep])
	}

	record = id[:sampleSep]
	if record == "" {
		return "", 0, 0, fmt.Errorf("row id %q has an empty record name", id)
	}
	return record, sample, lead, nil
}

// EncodeRows flattens the series set into projection rows, lead by
// lead in the given order
func EncodeRows(record string, series []Series) []Row {
	total := 0
	for _, s := range series {
		total += len(s.Values)
	}
	rows := make([]Row, 0, total)
	for _, s := range series {
		for i, v := range s.Values {
			rows = append(rows, Row{ID: RowID(record, i, s.Lead), Value: v})
		}
	}
	return rows
}

// DecodeRows rebuilds per-lead value slices from projection rows. All
// rows must belong to one record and every lead's samples must form a
// gapless index range.
func DecodeRows(rows []Row) (string, map[models.Lead][]float64, error) {
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no rows to decode")
	}

	record := ""
	byLead := make(map[models.Lead]map[int]float64)
	for _, r := range rows {
		rec, sample, lead, err := ParseRowID(r.ID)
		if err != nil {
			return "", nil, err
		}
		if record == "" {
			record = rec
		} else if rec != record {
			return "", nil, fmt.Errorf("mixed records %q and %q in one row set", record, rec)
		}
		if byLead[lead] == nil {
			byLead[lead] = make(map[int]float64)
		}
		byLead[lead][sample] = r.Value
	}

	out := make(map[models.Lead][]float64, len(byLead))
	for lead, samples := range byLead {
		values := make([]float64, len(samples))
		for i := range values {
			v, ok := samples[i]
			if !ok {
				return "", nil, fmt.Errorf("lead %v is missing sample %d of %d", lead, i, len(samples))
			}
			values[i] = v
		}
		out[lead] = values
	}
	return record, out, nil
}

// FormatValue renders a voltage so that parsing it back returns the
// identical float64
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseValue reverses FormatValue
func ParseValue(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
