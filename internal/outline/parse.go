package outline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Parse converts raw document text into a Tree. Nodes that carry no
// identifier are left with uuid.Nil; callers that need stable ids should
// follow up with AssignIDs.
func Parse(raw string, format Format, opts Options) (*Tree, error) {
	lines := strings.Split(raw, "\n")
	tree := &Tree{}

	body, err := parsePreamble(tree, lines, format)
	if err != nil {
		return nil, err
	}

	if err := parseNodes(tree, body.lines, body.offset, format, opts); err != nil {
		return nil, err
	}

	// Validate labels across the document in one pass.
	for _, label := range tree.Labels {
		if !opts.LabelAllowed(label) {
			return nil, parseErrorf(0, "unknown label %q on document", label)
		}
	}
	var labelErr error
	seen := make(map[uuid.UUID]int)
	tree.Walk(func(n *Node, _ *Node, _ []int) bool {
		for _, label := range n.Labels {
			if !opts.LabelAllowed(label) {
				labelErr = parseErrorf(0, "unknown label %q on heading %q", label, n.Title)
				return false
			}
		}
		if n.ID != uuid.Nil {
			seen[n.ID]++
			if seen[n.ID] > 1 {
				labelErr = parseErrorf(0, "duplicate node id %s within document", n.ID)
				return false
			}
		}
		return true
	})
	if labelErr != nil {
		return nil, labelErr
	}

	tree.linkParents()
	return tree, nil
}

// remainder is the document body after the preamble, with the 1-based line
// number of its first line for error reporting.
type remainder struct {
	lines  []string
	offset int
}

// parsePreamble consumes the file-level attributes: #+title:/#+filetags: for
// org, a YAML front matter block for markdown.
func parsePreamble(tree *Tree, lines []string, format Format) (remainder, error) {
	switch format {
	case FormatMarkdown:
		if len(lines) > 0 && strings.TrimSpace(lines[0]) == "---" {
			end := -1
			for i := 1; i < len(lines); i++ {
				if strings.TrimSpace(lines[i]) == "---" {
					end = i
					break
				}
			}
			if end < 0 {
				return remainder{}, parseErrorf(1, "unterminated front matter block")
			}
			var fm struct {
				Title  string   `yaml:"title"`
				Labels []string `yaml:"labels"`
			}
			if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
				return remainder{}, parseErrorf(1, "invalid front matter: %v", err)
			}
			tree.Title = fm.Title
			tree.Labels = fm.Labels
			return remainder{lines: lines[end+1:], offset: end + 2}, nil
		}
		return remainder{lines: lines, offset: 1}, nil

	case FormatOrg:
		i := 0
		for ; i < len(lines); i++ {
			line := lines[i]
			if isHeading(line, format) {
				break
			}
			lower := strings.ToLower(line)
			switch {
			case strings.HasPrefix(lower, "#+title:"):
				tree.Title = strings.TrimSpace(line[len("#+title:"):])
			case strings.HasPrefix(lower, "#+filetags:"):
				tree.Labels = splitLabels(line[len("#+filetags:"):])
			case strings.HasPrefix(lower, "#+tags:"):
				tree.Labels = splitLabels(line[len("#+tags:"):])
			}
		}
		return remainder{lines: lines[i:], offset: i + 1}, nil

	default:
		return remainder{}, fmt.Errorf("unsupported format %v", format)
	}
}

// splitLabels handles the delimiter styles org permits: ":a:b:", "a b", and
// "a, b". None of the delimiter characters may appear inside a label, so
// splitting on all of them at once is safe.
func splitLabels(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ':' || r == ' ' || r == ',' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	out = append(out, fields...)
	return out
}

func isHeading(line string, format Format) bool {
	marker := byte('*')
	if format == FormatMarkdown {
		marker = '#'
	}
	i := 0
	for i < len(line) && line[i] == marker {
		i++
	}
	return i > 0 && i < len(line) && line[i] == ' '
}

func headingDepth(line string, format Format) int {
	marker := byte('*')
	if format == FormatMarkdown {
		marker = '#'
	}
	i := 0
	for i < len(line) && line[i] == marker {
		i++
	}
	return i
}

// parseNodes consumes all heading sections and builds the node hierarchy.
func parseNodes(tree *Tree, lines []string, offset int, format Format, opts Options) error {
	type frame struct {
		node  *Node
		depth int
	}
	var stack []frame

	i := 0
	for i < len(lines) {
		line := lines[i]
		if !isHeading(line, format) {
			// Text before any heading that survived the preamble pass is
			// ignored (org comments, stray blank lines).
			i++
			continue
		}

		depth := headingDepth(line, format)
		node := parseHeadingLine(line, depth, format, opts)

		// Section content: everything until the next heading.
		start := i + 1
		j := start
		for j < len(lines) && !isHeading(lines[j], format) {
			j++
		}
		if err := parseSection(node, lines[start:j], offset+start, format); err != nil {
			return err
		}
		i = j

		// Attach to the hierarchy: pop frames at or below our depth.
		for len(stack) > 0 && stack[len(stack)-1].depth >= depth {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			tree.Children = append(tree.Children, node)
		} else {
			parent := stack[len(stack)-1].node
			parent.Children = append(parent.Children, node)
		}
		stack = append(stack, frame{node: node, depth: depth})
	}
	return nil
}

// parseHeadingLine extracts the state keyword, title, and trailing labels
// from a heading line.
func parseHeadingLine(line string, depth int, format Format, opts Options) *Node {
	rest := strings.TrimSpace(line[depth:])
	node := &Node{}

	for _, kw := range opts.stateKeywords() {
		if rest == kw || strings.HasPrefix(rest, kw+" ") {
			node.State = kw
			rest = strings.TrimSpace(rest[len(kw):])
			break
		}
	}

	// Trailing ":a:b:" label group.
	if idx := strings.LastIndex(rest, " :"); idx >= 0 && strings.HasSuffix(rest, ":") {
		group := rest[idx+1:]
		if labels := splitLabels(group); len(labels) > 0 && isLabelGroup(group) {
			node.Labels = labels
			rest = strings.TrimSpace(rest[:idx])
		}
	}

	node.Title = rest
	return node
}

// isLabelGroup reports whether s looks like ":a:b:" rather than a colon that
// happens to end the title.
func isLabelGroup(s string) bool {
	if len(s) < 3 || s[0] != ':' || s[len(s)-1] != ':' {
		return false
	}
	return !strings.ContainsAny(s[1:len(s)-1], " \t")
}

// parseSection consumes the lines between a heading and the next heading:
// the planning line, the identifier (properties drawer or id comment), and
// the body.
func parseSection(node *Node, lines []string, offset int, format Format) error {
	i := 0

	// Planning lines directly under the heading.
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "SCHEDULED:") && !strings.HasPrefix(trimmed, "DEADLINE:") {
			break
		}
		if err := parsePlanning(node, trimmed, offset+i); err != nil {
			return err
		}
		i++
	}

	// Identifier.
	switch format {
	case FormatOrg:
		if i < len(lines) && strings.EqualFold(strings.TrimSpace(lines[i]), ":PROPERTIES:") {
			end := -1
			for j := i + 1; j < len(lines); j++ {
				if strings.EqualFold(strings.TrimSpace(lines[j]), ":END:") {
					end = j
					break
				}
			}
			if end < 0 {
				return parseErrorf(offset+i, "unterminated properties drawer")
			}
			for j := i + 1; j < end; j++ {
				prop := strings.TrimSpace(lines[j])
				if rest, ok := strings.CutPrefix(prop, ":ID:"); ok {
					id, err := uuid.Parse(strings.TrimSpace(rest))
					if err != nil {
						return parseErrorf(offset+j, "invalid node id: %v", err)
					}
					node.ID = id
				}
			}
			i = end + 1
		}
	case FormatMarkdown:
		if i < len(lines) {
			trimmed := strings.TrimSpace(lines[i])
			if rest, ok := strings.CutPrefix(trimmed, "<!-- id:"); ok && strings.HasSuffix(rest, "-->") {
				idStr := strings.TrimSpace(strings.TrimSuffix(rest, "-->"))
				id, err := uuid.Parse(idStr)
				if err != nil {
					return parseErrorf(offset+i, "invalid node id: %v", err)
				}
				node.ID = id
				i++
			}
		}
	}

	// Everything else is body. Leading and trailing blank lines are layout,
	// not content.
	body := lines[i:]
	for len(body) > 0 && strings.TrimSpace(body[0]) == "" {
		body = body[1:]
	}
	for len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == "" {
		body = body[:len(body)-1]
	}
	node.Body = strings.Join(body, "\n")
	return nil
}

// parsePlanning reads SCHEDULED:/DEADLINE: stamps from a planning line. Both
// may appear on the same line.
func parsePlanning(node *Node, line string, lineNo int) error {
	for _, key := range []string{"SCHEDULED:", "DEADLINE:"} {
		idx := strings.Index(line, key)
		if idx < 0 {
			continue
		}
		rest := line[idx+len(key):]
		open := strings.Index(rest, "<")
		close := strings.Index(rest, ">")
		if open < 0 || close < open {
			return parseErrorf(lineNo, "malformed %s timestamp", strings.TrimSuffix(key, ":"))
		}
		ts, err := parseTimestamp(rest[open+1 : close])
		if err != nil {
			return parseErrorf(lineNo, "invalid %s timestamp: %v", strings.TrimSuffix(key, ":"), err)
		}
		if key == "SCHEDULED:" {
			node.Scheduled = ts
		} else {
			node.Deadline = ts
		}
	}
	return nil
}

// parseTimestamp reads an org-style stamp body: "2006-01-02", optionally
// followed by a weekday name and an HH:MM time. The weekday is decorative.
func parseTimestamp(s string) (*time.Time, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty timestamp")
	}
	day, err := time.ParseInLocation("2006-01-02", fields[0], time.Local)
	if err != nil {
		return nil, err
	}
	for _, f := range fields[1:] {
		if strings.Contains(f, ":") {
			clock, err := time.Parse("15:04", f)
			if err != nil {
				return nil, fmt.Errorf("invalid time %q", f)
			}
			day = day.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute)
		}
	}
	return &day, nil
}
