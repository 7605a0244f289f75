// Package ingest maps exported prompt CSV files into prompt records.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/thebtf/promptcluster/pkg/models"
)

// Column name variants found in prompt exports, most specific first.
var (
	userColumns      = []string{"user_id", "用户UID", "用户uid"}
	promptColumns    = []string{"prompt", "用户输入的prompt"}
	timestampColumns = []string{"timestamp", "生成时间(精确到秒)", "p_date"}
	previewColumns   = []string{"preview_url", "生成结果预览图", "task_vid_url"}
	savedColumns     = []string{"saved", "是否双端采纳(下载、复制、发布、后编辑、生视频、作为参考图、去画布)", "是否保存"}
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result is the outcome of reading one CSV file.
type Result struct {
	Records []models.PromptRecord
	// Rows is the number of data rows read, Skipped the rows dropped for an empty prompt.
	Rows    int
	Skipped int
}

type columns struct {
	user, prompt, timestamp, preview, saved int
}

// ReadCSV parses a prompt export. The header row must name a user, prompt
// and timestamp column; preview and saved columns are optional. Rows with an
// empty prompt are skipped. Any other malformed row fails the whole file
// with a *models.ValidationError whose Index is the zero-based data row.
func ReadCSV(r io.Reader) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Result{Records: []models.PromptRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	res := &Result{Records: make([]models.PromptRecord, 0)}
	for row := 0; ; row++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}
		res.Rows++

		rec, skip, err := parseRow(row, fields, cols)
		if err != nil {
			return nil, err
		}
		if skip {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}

	return res, nil
}

func mapColumns(header []string) (columns, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	find := func(names []string) int {
		for _, n := range names {
			if i, ok := index[n]; ok {
				return i
			}
		}
		return -1
	}

	cols := columns{
		user:      find(userColumns),
		prompt:    find(promptColumns),
		timestamp: find(timestampColumns),
		preview:   find(previewColumns),
		saved:     find(savedColumns),
	}

	var missing []string
	if cols.user < 0 {
		missing = append(missing, strings.Join(userColumns, "|"))
	}
	if cols.prompt < 0 {
		missing = append(missing, strings.Join(promptColumns, "|"))
	}
	if cols.timestamp < 0 {
		missing = append(missing, strings.Join(timestampColumns, "|"))
	}
	if len(missing) > 0 {
		return cols, &models.ValidationError{
			Index:  -1,
			Field:  "columns",
			Reason: "missing required columns: " + strings.Join(missing, ", "),
		}
	}
	return cols, nil
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func parseRow(row int, fields []string, cols columns) (models.PromptRecord, bool, error) {
	text := field(fields, cols.prompt)
	if text == "" {
		return models.PromptRecord{}, true, nil
	}

	userID := field(fields, cols.user)
	ts, err := ParseTimestamp(field(fields, cols.timestamp))
	if err != nil {
		return models.PromptRecord{}, false, &models.ValidationError{
			UserID: userID,
			Index:  row,
			Field:  "timestamp",
			Reason: err.Error(),
		}
	}

	rec := models.PromptRecord{
		UserID:     userID,
		Text:       text,
		Timestamp:  ts,
		PreviewRef: field(fields, cols.preview),
		Saved:      parseSaved(field(fields, cols.saved)),
	}
	if err := rec.Validate(); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			verr.Index = row
		}
		return models.PromptRecord{}, false, err
	}
	return rec, false, nil
}

// ParseTimestamp accepts unix seconds or milliseconds, compact yyyymmdd
// dates and the common date-time layouts of prompt exports. Times without
// a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("must be set")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		switch {
		case len(s) == 8:
			if t, err := time.Parse("20060102", s); err == nil {
				return t, nil
			}
		case len(s) >= 13:
			return time.UnixMilli(n).UTC(), nil
		}
		if n > 0 {
			return time.Unix(n, 0).UTC(), nil
		}
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseSaved reads an adoption flag. Numeric cells count as adopted only
// when they equal 1, so spreadsheet exports writing 1.0 still match.
func parseSaved(s string) bool {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f == 1
	}
	switch strings.ToLower(s) {
	case "true", "yes", "y", "是":
		return true
	}
	return false
}

// GroupByUser splits records per user. User ids are returned in first-seen
// order and each user's records keep their input order.
func GroupByUser(records []models.PromptRecord) ([]string, map[string][]models.PromptRecord) {
	users := make([]string, 0)
	byUser := make(map[string][]models.PromptRecord)
	for _, r := range records {
		if _, ok := byUser[r.UserID]; !ok {
			users = append(users, r.UserID)
		}
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	return users, byUser
}
