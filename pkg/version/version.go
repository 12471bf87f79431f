// Package version reports the library release and the wire protocol
// version implemented by this build.
package version

import (
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Build identification. The defaults describe a source build; release
// binaries override them at link time, for example:
//
//	go build -ldflags "-X github.com/iotscp/iotscp-go/pkg/version.Version=1.2.0"
var (
	// Version is the library release version.
	Version = "0.9.0"

	// BuildDate is the date the binary was built.
	BuildDate = "dev"

	// GitCommit is the revision the binary was built from.
	GitCommit = "unknown"
)

// Protocol is the envelope version this library speaks. The codec
// rejects envelopes carrying any other version during decoding.
const Protocol = wire.ProtocolVersion

// Supported reports whether a peer speaking the given envelope version
// can exchange messages with this library. Zero means the peer did not
// advertise a version and is assumed compatible.
func Supported(v uint8) bool {
	return v == 0 || v == Protocol
}
