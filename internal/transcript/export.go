package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// exportEntry is the on-disk shape of a turn in an exported document.
type exportEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Export writes turns as a pretty-printed JSON array of {role, content}
// objects. Timestamps and fault markers are not part of the document.
func Export(w io.Writer, turns []Turn) error {
	entries := make([]exportEntry, len(turns))
	for i, t := range turns {
		entries[i] = exportEntry{Role: t.Role, Content: t.Content}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("transcript: export: %w", err)
	}
	return nil
}

// Import reads a document produced by [Export]. Entries with an unknown role
// are rejected; all problems are reported together.
func Import(r io.Reader) ([]Turn, error) {
	var entries []exportEntry
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("transcript: import: %w", err)
	}

	var errs []error
	turns := make([]Turn, 0, len(entries))
	for i, e := range entries {
		if !e.Role.IsValid() {
			errs = append(errs, fmt.Errorf("entry %d: role %q is invalid; valid values: %s", i, e.Role, strings.Join([]string{string(RoleUser), string(RoleAssistant)}, ", ")))
			continue
		}
		turns = append(turns, Turn{Role: e.Role, Content: e.Content})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("transcript: import: %w", err)
	}
	return turns, nil
}
