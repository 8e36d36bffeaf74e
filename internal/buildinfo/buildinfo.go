// Package buildinfo carries version metadata set at link time:
//
//	go build -ldflags "-X leaddispatch/internal/buildinfo.Version=1.2.0 -X leaddispatch/internal/buildinfo.Commit=$(git rev-parse HEAD)"
package buildinfo

import "runtime"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"service": "leaddispatch",
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
		"go":      runtime.Version(),
	}
}
