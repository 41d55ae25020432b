package host

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Guest is a WebAssembly module exporting the boundary ABI.
type Guest interface {
	// Name identifies the guest. Used as the cache key for compiled modules.
	Name() string

	// Module returns the WASM binary.
	Module() []byte
}

type guestBytes struct {
	name string
	bin  []byte
}

func (g guestBytes) Name() string   { return g.name }
func (g guestBytes) Module() []byte { return g.bin }

// GuestBytes wraps an in-memory binary.
func GuestBytes(name string, bin []byte) Guest {
	return guestBytes{name: name, bin: bin}
}

// GuestFile reads a .wasm file. The cleaned absolute path names the guest.
func GuestFile(path string) (Guest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "resolve guest path")
	}
	bin, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrap(err, "read guest")
	}
	return guestBytes{name: abs, bin: bin}, nil
}
