package notify

import (
	"fmt"
	"strings"

	"appnotifier/internal/storage"
)

// Body templates for the aggregated update alert, one per count bucket.
// Selection is explicit rather than looked up by a computed name; the
// overflow template takes the first four labels plus a "N more" footer.
const (
	updatedBody1        = "%s was updated"
	updatedBody2        = "%s and %s were updated"
	updatedBody3        = "%s, %s and %s were updated"
	updatedBody4        = "%s, %s, %s and %s were updated"
	updatedBodyOverflow = "%s, %s, %s, %s and %s were updated"

	installedBody = "Successfully installed"
)

func updateHeader(n int) string {
	if n == 1 {
		return "1 app updated"
	}
	return fmt.Sprintf("%d apps updated", n)
}

func overflowFooter(n int) string {
	if n == 1 {
		return "1 more"
	}
	return fmt.Sprintf("%d more", n)
}

func updateBody(labels []string) string {
	switch n := len(labels); n {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf(updatedBody1, labels[0])
	case 2:
		return fmt.Sprintf(updatedBody2, labels[0], labels[1])
	case 3:
		return fmt.Sprintf(updatedBody3, labels[0], labels[1], labels[2])
	case 4:
		return fmt.Sprintf(updatedBody4, labels[0], labels[1], labels[2], labels[3])
	default:
		return fmt.Sprintf(updatedBodyOverflow,
			labels[0], labels[1], labels[2], labels[3], overflowFooter(n-4))
	}
}

// entityLine renders one record as "Label vX.Y", or the bare label when
// no display version is known.
func entityLine(r storage.Record) string {
	if strings.TrimSpace(r.Version) == "" {
		return r.Label
	}
	return r.Label + " v" + r.Version
}

// formatUpdates builds the single aggregated update alert from the
// view, which must be ordered most-recent-first. iconPath is the icon
// of the most recently updated entity; it is only attached in enhanced
// mode.
func formatUpdates(view []storage.Record, style TextStyle, iconPath string) Content {
	labels := make([]string, len(view))
	for i, r := range view {
		labels[i] = r.Label
	}

	c := Content{Title: updateHeader(len(view))}

	enhanced := style == TextEnhanced
	if enhanced && len(view) == 1 && strings.TrimSpace(view[0].Version) != "" {
		c.Body = entityLine(view[0])
	} else {
		c.Body = updateBody(labels)
	}

	if enhanced {
		lines := make([]string, len(view))
		for i, r := range view {
			lines[i] = entityLine(r)
		}
		c.Lines = lines
		c.IconPath = iconPath
	}
	return c
}

// formatInstall builds the per-entity install alert.
func formatInstall(r storage.Record, iconPath string) Content {
	return Content{
		Title:    r.Label,
		Body:     installedBody,
		IconPath: iconPath,
		Group:    InstallGroup,
	}
}

// formatInstallSummary builds the shared group summary alert.
func formatInstallSummary() Content {
	return Content{
		Group:        InstallGroup,
		GroupSummary: true,
	}
}
