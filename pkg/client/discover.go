package client

import (
	"context"

	"github.com/iotscp/iotscp-go/pkg/discovery"
	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Discover multicasts one search and collects the answering devices.
// target is a device type URN or wire.SearchTargetAll; filter narrows
// the answers to devices with the named capabilities. The zero config
// uses the well-known group and timeout.
func Discover(ctx context.Context, target string, filter *wire.Filter, config discovery.FinderConfig) ([]*discovery.Service, error) {
	finder, err := discovery.NewFinder(config)
	if err != nil {
		return nil, err
	}
	return finder.Search(ctx, target, filter)
}

// DiscoverByID searches for one specific device and returns it, or an
// error when the collection window closes without an answer.
func DiscoverByID(ctx context.Context, deviceID string, config discovery.FinderConfig) (*discovery.Service, error) {
	finder, err := discovery.NewFinder(config)
	if err != nil {
		return nil, err
	}
	return finder.FindByID(ctx, deviceID)
}
