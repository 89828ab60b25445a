package backend

import (
	"fmt"

	"github.com/harunnryd/kekkai/internal/errors"
)

// Builders maps backend kinds to their constructors. The set is
// closed: supporting a new isolation mechanism means registering it
// here, not configuring an arbitrary one in.
var Builders = map[string]func(baseDir string) (Backend, error){
	"local": func(baseDir string) (Backend, error) { return NewLocal(baseDir) },
}

// New builds the backend configured by kind.
func New(kind, baseDir string) (Backend, error) {
	build, ok := Builders[kind]
	if !ok {
		return nil, errors.Config(fmt.Sprintf("unknown backend kind %q", kind))
	}
	return build(baseDir)
}
