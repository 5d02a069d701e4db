package notify

import (
	"fmt"
	"hash/fnv"
)

// Stable alert identities. The update alert and the install group
// summary use fixed ids; each install alert derives its id from the
// entity id so a click or dismissal can be matched back to the same
// entity across process restarts.
const (
	UpdateAlertID    = "app-updates"
	InstallSummaryID = "app-installs"
	InstallGroup     = "app-install-group"

	installIDPrefix = "app-install-"
)

// InstallAlertID returns the deterministic per-entity install alert id.
func InstallAlertID(entityID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(entityID))
	return fmt.Sprintf("%s%x", installIDPrefix, h.Sum64())
}
