// Package mapfile reads and writes the editable tag-to-group mapping file
// that sits between the pull and push phases.
package mapfile

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/vectra-tools/tags2groups/internal/errors"
)

// DefaultFilename is the mapping file written by --pull and read by --push.
const DefaultFilename = "tags_groups.txt"

// illegalGroupChars are rejected in group names by the backend.
const illegalGroupChars = "!@%&*)("

// Mapping relates a group name to the tags whose hosts belong to it.
// Tag semantics are OR: a host joins the group if it carries any listed tag.
type Mapping map[string][]string

const header = `# Separate multiple tags relating to one group with a ',' no spaces between tags.
# Group illegal characters: ! @ % & * ) (
# Separate the tag(s) and relating group with a '|' with no spaces
# Tag and group relation format examples:
#tag123|group123
#Role1,Role two:Webserver|group1
#
# Tags and suggested group names:
`

// Write emits the mapping template: a documentation header followed by one
// identity "tag|tag" suggestion per discovered tag.
func Write(path string, tags []string) error {
	var b strings.Builder
	b.WriteString(header)
	for _, tag := range tags {
		fmt.Fprintf(&b, "%s|%s\n", tag, tag)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write mapping file %s: %w", path, err)
	}
	return nil
}

// ParseError reports a malformed mapping file line.
type ParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == apperrors.ErrParse
}

// Read parses the edited mapping file. Comment lines (leading '#') and blank
// lines are skipped; every other line must be "tag1,tag2,...|group" with
// exactly one '|'. A later line for the same group overwrites an earlier one.
func Read(path string) (Mapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer file.Close()

	mapping := make(Mapping)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		tagPart, group, found := strings.Cut(line, "|")
		if !found {
			return nil, &ParseError{Path: path, Line: lineNo, Reason: "missing '|' separator"}
		}
		if strings.Contains(group, "|") {
			return nil, &ParseError{Path: path, Line: lineNo, Reason: "more than one '|' separator"}
		}
		if group == "" {
			return nil, &ParseError{Path: path, Line: lineNo, Reason: "empty group name"}
		}
		if strings.ContainsAny(group, illegalGroupChars) {
			return nil, &ParseError{Path: path, Line: lineNo,
				Reason: fmt.Sprintf("group name %q contains an illegal character (one of %s)", group, illegalGroupChars)}
		}

		tags := strings.Split(tagPart, ",")
		for _, tag := range tags {
			if tag == "" {
				return nil, &ParseError{Path: path, Line: lineNo, Reason: "empty tag in tag list"}
			}
		}
		mapping[group] = tags
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return mapping, nil
}
