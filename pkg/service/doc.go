// Package service orchestrates a complete IOTSCP device: certificate
// material, session management, the control server, the subscription
// dispatcher and discovery, wired together behind one lifecycle.
//
// A DeviceService is created around a model.Device and a DeviceConfig,
// started with Start and shut down with Stop:
//
//	device, _ := model.NewDevice("Living Room Lamp", "urn:example:light")
//	// register actions and variables ...
//
//	config := service.DefaultDeviceConfig()
//	config.Name = "Living Room Lamp"
//	config.Type = "urn:example:light"
//
//	svc, err := service.New(device, config)
//	if err != nil {
//		return err
//	}
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	defer svc.Stop()
//
// Start loads the device certificate from the configured store,
// generating and saving one on first run, then brings up the session
// manager, the dispatcher with its notification sender, the HTTP
// control server, the multicast search responder and, when enabled,
// the mDNS announcement. Stop tears the stack down in the reverse
// direction of trust: discovery first so no new hosts arrive, then the
// control server, then the dispatcher, then the session sweep.
//
// Observers register an EventHandler with OnEvent and receive
// lifecycle and protocol milestones (searches answered, sessions
// established, actions invoked, subscriptions created and expired).
// Handlers run on their own goroutines and never under service locks.
package service
