// Package device defines the Bluetooth Low Energy platform contract used by
// the acquisition pipeline.
//
// The contract is deliberately small:
//   - Central discovers advertisements and opens links to peripherals
//   - Link is a long-lived handle to one peripheral that survives drops
//     and reports connectivity changes
//   - Characteristic supports writes and notification subscriptions
//   - Subscription is a token released exactly once when a stream stops
//
// Platform adapters live in sub-packages (go-ble, sim).
package device
