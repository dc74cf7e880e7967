// Package hookgate implements a webhook-to-Matrix gateway and the single-shot
// launcher used as its container entrypoint.
package hookgate

import (
	"github.com/streamingfast/logging"
)

var zlog, _ = logging.PackageLogger("hookgate", "github.com/hookgate/hookgate")
