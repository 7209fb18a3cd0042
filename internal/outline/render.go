package outline

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Render serializes the tree back to document text in the given format.
// Render and Parse are inverses: parsing the rendered text yields an
// equivalent tree. Identifiers are always written out, so rendering after
// AssignIDs makes forced ids durable.
func (t *Tree) Render(format Format) string {
	var b strings.Builder

	switch format {
	case FormatOrg:
		if t.Title != "" {
			b.WriteString("#+title: ")
			b.WriteString(t.Title)
			b.WriteByte('\n')
		}
		if len(t.Labels) > 0 {
			b.WriteString("#+filetags: :")
			b.WriteString(strings.Join(t.Labels, ":"))
			b.WriteString(":\n")
		}
		if t.Title != "" || len(t.Labels) > 0 {
			b.WriteByte('\n')
		}
	case FormatMarkdown:
		if t.Title != "" || len(t.Labels) > 0 {
			b.WriteString("---\n")
			if t.Title != "" {
				b.WriteString("title: ")
				b.WriteString(t.Title)
				b.WriteByte('\n')
			}
			if len(t.Labels) > 0 {
				b.WriteString("labels: [")
				b.WriteString(strings.Join(t.Labels, ", "))
				b.WriteString("]\n")
			}
			b.WriteString("---\n\n")
		}
	}

	for _, n := range t.Children {
		renderNode(&b, n, 1, format)
	}
	return b.String()
}

func renderNode(b *strings.Builder, n *Node, depth int, format Format) {
	marker := "*"
	if format == FormatMarkdown {
		marker = "#"
	}
	b.WriteString(strings.Repeat(marker, depth))
	b.WriteByte(' ')
	if n.State != "" {
		b.WriteString(n.State)
		b.WriteByte(' ')
	}
	b.WriteString(n.Title)
	if len(n.Labels) > 0 {
		b.WriteString(" :")
		b.WriteString(strings.Join(n.Labels, ":"))
		b.WriteByte(':')
	}
	b.WriteByte('\n')

	if n.Scheduled != nil || n.Deadline != nil {
		var parts []string
		if n.Scheduled != nil {
			parts = append(parts, "SCHEDULED: "+renderTimestamp(*n.Scheduled))
		}
		if n.Deadline != nil {
			parts = append(parts, "DEADLINE: "+renderTimestamp(*n.Deadline))
		}
		b.WriteString(strings.Join(parts, " "))
		b.WriteByte('\n')
	}

	if n.ID != uuid.Nil {
		switch format {
		case FormatOrg:
			b.WriteString(":PROPERTIES:\n:ID: ")
			b.WriteString(n.ID.String())
			b.WriteString("\n:END:\n")
		case FormatMarkdown:
			b.WriteString("<!-- id: ")
			b.WriteString(n.ID.String())
			b.WriteString(" -->\n")
		}
	}

	if n.Body != "" {
		b.WriteString(n.Body)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, child := range n.Children {
		renderNode(b, child, depth+1, format)
	}
}

func renderTimestamp(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 {
		return "<" + t.Format("2006-01-02 Mon") + ">"
	}
	return "<" + t.Format("2006-01-02 Mon 15:04") + ">"
}
