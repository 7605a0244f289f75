package similarity

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/thebtf/promptcluster/pkg/models"
)

// TrackChanges walks a user's records in submission order and describes how
// each prompt differs from the one submitted before it. Consecutive
// submissions with identical text produce no change.
func TrackChanges(records []models.PromptRecord) []models.PromptChange {
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return records[order[a]].Timestamp.Before(records[order[b]].Timestamp)
	})

	changes := make([]models.PromptChange, 0)
	for k := 1; k < len(order); k++ {
		prev, curr := records[order[k-1]], records[order[k]]
		edits := DiffText(prev.Text, curr.Text)
		if len(edits) == 0 {
			continue
		}
		changes = append(changes, models.PromptChange{
			Timestamp:     curr.Timestamp,
			Previous:      prev.Text,
			Current:       curr.Text,
			PreviousIndex: order[k-1],
			CurrentIndex:  order[k],
			Edits:         edits,
		})
	}
	return changes
}

// DiffText returns the character-level edits turning previous into current.
func DiffText(previous, current string) []models.TextEdit {
	a, b := splitChars(previous), splitChars(current)
	matcher := difflib.NewMatcher(a, b)

	var edits []models.TextEdit
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			edits = append(edits, models.TextEdit{
				Type: models.EditReplace,
				Old:  strings.Join(a[op.I1:op.I2], ""),
				New:  strings.Join(b[op.J1:op.J2], ""),
			})
		case 'd':
			edits = append(edits, models.TextEdit{
				Type: models.EditDelete,
				Old:  strings.Join(a[op.I1:op.I2], ""),
			})
		case 'i':
			edits = append(edits, models.TextEdit{
				Type: models.EditInsert,
				New:  strings.Join(b[op.J1:op.J2], ""),
			})
		}
	}
	return edits
}

// splitChars splits text into one string per rune.
func splitChars(text string) []string {
	out := make([]string, 0, len(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}
