package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/promptcluster/internal/db/gorm"
	"github.com/thebtf/promptcluster/internal/embedding"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func checkFormat(format string, allowed ...string) error {
	if slices.Contains(allowed, format) {
		return nil
	}
	return fmt.Errorf("unsupported format %q (want %s)", format, strings.Join(allowed, ", "))
}

// writeReport encodes v as indented JSON or YAML.
func writeReport(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func writeUsersTable(w io.Writer, users []gorm.UserCount) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tPROMPTS")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%d\n", u.UserID, u.PromptCount)
	}
	return tw.Flush()
}

func writeModelsTable(w io.Writer, list []embedding.ModelMetadata) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDIMENSIONS\tDEFAULT\tDESCRIPTION")
	for _, m := range list {
		def := ""
		if m.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", m.Version, m.Dimensions, def, m.Description)
	}
	return tw.Flush()
}
