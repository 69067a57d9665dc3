package manager

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/musebridge/bridge"
	"github.com/srg/musebridge/internal/assembler"
	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/internal/timestamp"
)

// StartStreaming subscribes every EEG channel of the device and opens its
// stream on the bridge. A device that is already streaming is left as is.
// On failure the device keeps its previous, non-streaming state.
func (m *Manager) StartStreaming(id string) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	d, err := m.lookup(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.streaming {
		d.mu.Unlock()
		return nil
	}
	err = m.startLocked(d)
	info := d.infoLocked()
	d.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
		}).Error("Start streaming aborted")
		m.deactivateIfIdle()
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"device":   info.Name,
		"channels": len(info.Labels),
	}).Info("Streaming started")
	m.emit(EventStreamingStarted, info)
	return nil
}

// startLocked runs the start sequence, unwinding whatever it set up when a
// step fails. Callers hold d.mu.
func (m *Manager) startLocked(d *managedDevice) error {
	if d.status != device.Online || d.link == nil {
		return fmt.Errorf("start %s: %w", d.address, ErrDeviceOffline)
	}
	link := d.link
	if err := m.pair(m.ctx, link); err != nil {
		return fmt.Errorf("pair %s: %w", d.address, err)
	}

	control, err := link.Characteristic(muse.ServiceUUID, muse.ControlCharacteristicUUID)
	if err != nil {
		return fmt.Errorf("control characteristic: %w", err)
	}
	uuids, err := device.ValidateUUID(d.variant.ChannelUUIDs()...)
	if err != nil {
		return fmt.Errorf("%s channel table: %w", d.variant.Name, err)
	}
	chars := make([]device.Characteristic, len(uuids))
	for i, u := range uuids {
		if chars[i], err = link.Characteristic(muse.ServiceUUID, u); err != nil {
			return fmt.Errorf("channel %s: %w", muse.ChannelLabels[i], err)
		}
	}

	m.fmtMu.RLock()
	primary, secondary, format, bufferLength := m.primary, m.secondary, m.format, m.bufferLength
	m.fmtMu.RUnlock()

	asm, err := assembler.New(assembler.Config{
		Channels:   uuids,
		SampleRate: muse.SampleRate,
		Primary:    primary,
		Secondary:  secondary,
		Logger:     m.logger,
	})
	if err != nil {
		return err
	}
	streamName := d.name
	if streamName == "" {
		streamName = d.address
	}

	subs := make([]device.Subscription, 0, len(chars))
	for i, c := range chars {
		sub, err := c.Subscribe(m.notificationHandler(d, asm, streamName, uuids[i]))
		if err != nil {
			m.releaseAll(d, subs)
			return fmt.Errorf("subscribe %s: %w", muse.ChannelLabels[i], err)
		}
		subs = append(subs, sub)
	}

	m.streaming.Add(1)
	if err := m.activateHost(); err != nil {
		m.streaming.Add(-1)
		m.releaseAll(d, subs)
		return fmt.Errorf("activate host: %w", err)
	}

	info := m.streamInfo(d, streamName, format, bufferLength, timestamp.Enabled(secondary))
	if err := m.publisher.Enqueue(bridge.OpenStream{Info: info}); err != nil {
		m.streaming.Add(-1)
		m.releaseAll(d, subs)
		return fmt.Errorf("open stream: %w", err)
	}

	asm.Open()
	d.asm = asm
	d.subs = subs
	d.streamName = streamName
	d.live.Store(true)

	if err := control.Write(muse.CommandStartStreaming, false); err != nil {
		d.live.Store(false)
		asm.Close()
		d.asm, d.subs = nil, nil
		m.releaseAll(d, subs)
		_ = m.publisher.Enqueue(bridge.CloseStream{Name: streamName})
		m.streaming.Add(-1)
		return fmt.Errorf("write start command: %w", err)
	}
	d.streaming = true
	return nil
}

func (m *Manager) streamInfo(d *managedDevice, name string, format bridge.SampleFormat, bufferLength int, secondary bool) bridge.StreamInfo {
	labels := d.variant.Labels()
	channels := make([]bridge.ChannelInfo, len(labels))
	for i, l := range labels {
		channels[i] = bridge.ChannelInfo{Label: l, Unit: muse.ChannelUnit, Type: muse.ChannelType}
	}
	return bridge.StreamInfo{
		Name:               name,
		Type:               muse.StreamType,
		Manufacturer:       muse.Manufacturer,
		DeviceName:         d.name,
		SourceID:           bridge.SourceID(d.address),
		Channels:           channels,
		ChannelCount:       len(channels),
		ChunkSize:          muse.ChunkSize,
		BufferLength:       bufferLength,
		SampleRate:         muse.SampleRate,
		ChannelFormat:      format,
		SecondaryTimestamp: secondary,
	}
}

// notificationHandler decodes one channel's notifications and publishes
// completed chunks. It runs on platform goroutines and never takes d.mu.
func (m *Manager) notificationHandler(d *managedDevice, asm *assembler.Assembler, stream, channel string) func([]byte) {
	return func(data []byte) {
		if !d.live.Load() {
			return
		}
		chunk, err := asm.Add(channel, data)
		if err != nil {
			if !errors.Is(err, assembler.ErrClosed) {
				m.logger.WithError(err).WithFields(logrus.Fields{
					"device":  stream,
					"channel": device.ShortenUUID(channel),
				}).Warn("Dropped notification")
			}
			return
		}
		if chunk == nil {
			return
		}
		msg := bridge.SendChunk{
			Name:        stream,
			Data:        chunk.Flat(),
			Timestamps:  chunk.Timestamps,
			Timestamps2: chunk.Timestamps2,
		}
		if err := m.publisher.Enqueue(msg); err != nil {
			m.logger.WithError(err).WithField("device", stream).Debug("Chunk not published")
		}
	}
}

// StopStreaming stops the device named by id or address. A device that is
// not streaming is left as is.
func (m *Manager) StopStreaming(key string) error {
	d, err := m.lookup(key)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	m.stopLocked(d, d.status == device.Online)
	info := d.infoLocked()
	d.mu.Unlock()

	m.logger.WithField("device", info.Name).Info("Streaming stopped")
	m.emit(EventStreamingStopped, info)
	m.deactivateIfIdle()
	return nil
}

// stopLocked tears a stream down. Local bookkeeping always completes, even
// when the device cannot be told to stop. Callers hold d.mu.
func (m *Manager) stopLocked(d *managedDevice, writeCommand bool) {
	d.live.Store(false)
	d.streaming = false
	if d.asm != nil {
		if n := d.asm.Close(); n > 0 {
			m.logger.WithFields(logrus.Fields{"device": d.name, "chunks": n}).Debug("Discarded pending chunks")
		}
	}

	if writeCommand && d.link != nil {
		if err := m.writeControl(d.link, muse.CommandStopStreaming); err != nil {
			m.logger.WithError(err).WithField("device", d.name).Warn("Failed to send stop command")
		}
	}
	m.releaseAll(d, d.subs)

	if err := m.publisher.Enqueue(bridge.CloseStream{Name: d.streamName}); err != nil {
		m.logger.WithError(err).WithField("device", d.name).Debug("CloseStream not published")
	}
	d.asm, d.subs, d.streamName = nil, nil, ""
	m.streaming.Add(-1)
}

func (m *Manager) releaseAll(d *managedDevice, subs []device.Subscription) {
	for _, sub := range subs {
		if err := sub.Release(); err != nil {
			m.logger.WithError(err).WithField("device", d.name).Warn("Failed to unsubscribe")
		}
	}
}

func (m *Manager) writeControl(link device.Link, cmd []byte) error {
	control, err := link.Characteristic(muse.ServiceUUID, muse.ControlCharacteristicUUID)
	if err != nil {
		return err
	}
	return control.Write(cmd, false)
}

// StartStreamingAll starts every online device that is not streaming.
func (m *Manager) StartStreamingAll() error {
	var errs []error
	for _, d := range m.snapshot() {
		if !d.isOnline() || d.isStreaming() {
			continue
		}
		if err := m.StartStreaming(d.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopStreamingAll stops every streaming device.
func (m *Manager) StopStreamingAll() {
	for _, d := range m.snapshot() {
		if d.isStreaming() {
			_ = m.StopStreaming(d.id)
		}
	}
}

// ResetDevice stops the device's stream, if any, and reboots the sensor.
// The reconnect strategy brings it back online.
func (m *Manager) ResetDevice(id string) error {
	d, err := m.lookup(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.status != device.Online || d.link == nil {
		d.mu.Unlock()
		return fmt.Errorf("reset %s: %w", d.address, ErrDeviceOffline)
	}
	wasStreaming := d.streaming
	if wasStreaming {
		m.stopLocked(d, true)
	}
	err = m.writeControl(d.link, muse.CommandReset)
	info := d.infoLocked()
	d.mu.Unlock()

	if wasStreaming {
		m.emit(EventStreamingStopped, info)
		m.deactivateIfIdle()
	}
	if err != nil {
		m.logger.WithError(err).WithField("device", info.Name).Error("Reset failed")
		return fmt.Errorf("reset %s: %w", d.address, err)
	}
	m.logger.WithField("device", info.Name).Info("Device reset requested")
	return nil
}

// ----------------------------
// Host activation
// ----------------------------

func (m *Manager) activateHost() error {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	if m.hostActive {
		return nil
	}
	if err := m.publisher.ActivateHost(); err != nil {
		return err
	}
	m.hostActive = true
	return nil
}

// deactivateIfIdle releases the host once no device streams.
func (m *Manager) deactivateIfIdle() {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	if !m.hostActive || m.streaming.Load() > 0 {
		return
	}
	m.publisher.DeactivateHost()
	m.hostActive = false
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
