// Package blog is the thin logrus wrapper every engine in the bridge pulls
// its *logrus.Entry from. It owns no sinks or handlers (that wiring is the
// excluded "logging setup" external collaborator) — it only standardizes
// the field name engines tag their entries with.
package blog

import (
	"github.com/sirupsen/logrus"
)

// For returns a logger entry tagged with the owning component's name, e.g.
// "transport", "channel", "restjson", "dbuscache".
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
