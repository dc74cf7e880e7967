package hookgate

import _ "embed"

//go:embed embedded/USAGE.md
var UsageMD string
