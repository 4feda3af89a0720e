package index

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/stevegt/ragchat/util"
)

// ErrNoText is returned for formats whose text cannot be extracted
// here.  Such files are staged but not searchable.
var ErrNoText = errors.New("no text extractor for this file type")

// Extract returns the searchable text of a file.  CSV rows become
// lines of comma-separated fields; plain text and markdown are used
// as is.
func Extract(name string, r io.Reader) (text string, err error) {
	switch util.Ext(name) {
	case "csv":
		return extractCSV(r)
	case "txt", "md", "markdown", "text":
		var buf []byte
		buf, err = io.ReadAll(r)
		return string(buf), err
	}
	return "", ErrNoText
}

func extractCSV(r io.Reader) (text string, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	var header []string
	var b strings.Builder
	for {
		var rec []string
		rec, err = cr.Read()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return
		}
		if header == nil {
			header = rec
			b.WriteString(strings.Join(rec, ", "))
			b.WriteString("\n\n")
			continue
		}
		// label each field with its column so rows stand alone as chunks
		fields := make([]string, len(rec))
		for i, v := range rec {
			if i < len(header) && header[i] != "" {
				fields[i] = header[i] + ": " + v
			} else {
				fields[i] = v
			}
		}
		b.WriteString(strings.Join(fields, ", "))
		b.WriteString("\n")
	}
}
