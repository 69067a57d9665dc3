// Package sim is an in-process BLE platform serving simulated Muse
// headbands. Peripherals answer the real GATT layout and, once the start
// command is written, notify 12-sample EEG packets per channel at the
// nominal sample rate with a wrapping 16-bit counter.
//
// Test hooks allow dropping and restoring the link, removing
// characteristics, injecting subscribe or write failures, and emitting
// hand-built packets.
package sim
