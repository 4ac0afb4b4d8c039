// Package admin serves the operator HTTP surface: health, metrics,
// notification diagnostics and a thin JSON habit API that routes every write
// through the habit service (and therefore the validator).
package admin
