// Package common holds process-wide constants and the logger setup shared
// by all binaries in this repository.
package common

// PackageName is used as the metrics namespace and the default service tag.
const PackageName = "provisioning_backend"

// Version is set at build time via -ldflags.
var Version = "dev"
