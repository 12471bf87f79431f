// Package examples provides reference device implementations built on
// the iotscp-go library.
//
// The examples show:
//   - Device model construction (variables, typed action schemas)
//   - Action handler implementation
//   - Background simulation driving variable changes
//
// Available examples:
//   - Light: a dimmable color light (served by the iotscp-device command)
//   - Thermostat: a heating controller with a simulated temperature
//
// These can serve as templates for building real device implementations.
package examples
