// Package csvparser reads campaign recipient lists.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
)

var (
	ErrNoEmailColumn = errors.New("csv must contain an email column")
	ErrNoRows        = errors.New("csv must contain at least one recipient row")
)

const DefaultMaxRows = 1000

// Recipient is one campaign row. Every column other than email becomes a
// template variable keyed by its header, name included.
type Recipient struct {
	Email     string
	Name      string
	Variables map[string]any
}

type Skipped struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

type Result struct {
	Recipients []Recipient
	Skipped    []Skipped
}

// ParseRecipients reads a header row followed by at most maxRows recipients.
// Rows with the wrong column count or an unparseable address are reported
// in Skipped rather than failing the whole file.
func ParseRecipients(r io.Reader, maxRows int) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	emailIdx, nameIdx := -1, -1
	keys := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		keys[i] = h
		switch strings.ToLower(h) {
		case "email", "email_address":
			if emailIdx == -1 {
				emailIdx = i
			}
		case "name", "client_name":
			if nameIdx == -1 {
				nameIdx = i
			}
		}
	}
	if emailIdx == -1 {
		return nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	res := &Result{}
	for len(res.Recipients) < maxRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if len(record) != len(headers) {
			res.Skipped = append(res.Skipped, Skipped{Line: line, Reason: "column count mismatch"})
			continue
		}

		addr, err := mail.ParseAddress(strings.TrimSpace(record[emailIdx]))
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Line: line, Reason: "invalid email address"})
			continue
		}

		rec := Recipient{Email: addr.Address, Name: addr.Name, Variables: make(map[string]any, len(headers))}
		for i, v := range record {
			if i == emailIdx || keys[i] == "" {
				continue
			}
			rec.Variables[keys[i]] = strings.TrimSpace(v)
		}
		if nameIdx != -1 {
			rec.Name = strings.TrimSpace(record[nameIdx])
		}
		rec.Variables["email"] = rec.Email

		res.Recipients = append(res.Recipients, rec)
	}

	if len(res.Recipients) == 0 {
		return nil, ErrNoRows
	}
	return res, nil
}
