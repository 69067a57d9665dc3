package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/musebridge/internal/device"
	"github.com/srg/musebridge/internal/muse"
	"github.com/srg/musebridge/internal/packet"
	"github.com/srg/musebridge/internal/testutils"
)

type SimTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	central *Central
	muse    *Peripheral
	smxt    *Peripheral
}

func (s *SimTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.muse = NewPeripheral("Muse-1E7F", "00:55:da:b0:1e:7f")
	s.smxt = NewPeripheral("SMXT-0042", "00:55:da:b0:00:42", WithoutAutoEmit(), WithPairing())
	s.central = NewCentral(s.helper.Logger, s.muse, s.smxt)
	s.central.AdvertiseInterval = 10 * time.Millisecond
}

func (s *SimTestSuite) connect(p *Peripheral) device.Link {
	l, err := s.central.Connect(context.Background(), p.Address())
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = l.Close() })
	return l
}

func (s *SimTestSuite) control(l device.Link) device.Characteristic {
	c, err := l.Characteristic(muse.ServiceUUID, muse.ControlCharacteristicUUID)
	s.Require().NoError(err)
	return c
}

func (s *SimTestSuite) TestScanAdvertisesAvailablePeripherals() {
	s.smxt.SetAvailable(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	names := map[string]int{}
	s.Require().NoError(s.central.Scan(ctx, func(a device.Advertisement) {
		names[a.LocalName()]++
		s.Equal([]string{"fe8d"}, a.Services())
	}))
	s.GreaterOrEqual(names["Muse-1E7F"], 2)
	s.Zero(names["SMXT-0042"])
	s.Equal(1, s.central.Scans())
}

func (s *SimTestSuite) TestConnectUnknownAndAway() {
	_, err := s.central.Connect(context.Background(), "ff:ff:ff:ff:ff:ff")
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)

	s.muse.SetAvailable(false)
	_, err = s.central.Connect(context.Background(), s.muse.Address())
	s.ErrorIs(err, device.ErrNotConnected)
}

func (s *SimTestSuite) TestVariantLayout() {
	l := s.connect(s.smxt)

	for _, uuid := range muse.ChannelCharacteristicUUIDs[:4] {
		_, err := l.Characteristic(muse.ServiceUUID, uuid)
		s.NoError(err)
	}
	_, err := l.Characteristic(muse.ServiceUUID, muse.ChannelCharacteristicUUIDs[4])
	s.Error(err, "4-channel variant has no Right AUX")

	_, err = l.Characteristic("180d", muse.ControlCharacteristicUUID)
	s.Error(err)
}

func (s *SimTestSuite) TestGeneratorNotifiesAllChannelsWithSharedCounter() {
	l := s.connect(s.muse)

	var mu sync.Mutex
	seen := map[uint16]int{}
	for _, uuid := range muse.ChannelCharacteristicUUIDs {
		c, err := l.Characteristic(muse.ServiceUUID, uuid)
		s.Require().NoError(err)
		_, err = c.Subscribe(func(data []byte) {
			pkt, err := packet.DecodeEEG(data)
			s.NoError(err)
			mu.Lock()
			seen[pkt.Timestamp]++
			mu.Unlock()
		})
		s.Require().NoError(err)
	}

	s.Require().NoError(s.control(l).Write(muse.CommandStartStreaming, false))
	s.True(s.muse.Streaming())

	s.True(testutils.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[0] == 5 && seen[1] == 5
	}, 2*time.Second))

	s.Require().NoError(s.control(l).Write(muse.CommandStopStreaming, false))
	s.False(s.muse.Streaming())
	s.Equal([][]byte{muse.CommandStartStreaming, muse.CommandStopStreaming}, s.muse.Writes())
}

func (s *SimTestSuite) TestEmitAndRelease() {
	l := s.connect(s.smxt)
	c, err := l.Characteristic(muse.ServiceUUID, muse.ChannelCharacteristicUUIDs[1])
	s.Require().NoError(err)

	var got []byte
	sub, err := c.Subscribe(func(data []byte) { got = data })
	s.Require().NoError(err)
	s.Equal(1, s.smxt.Subscribed())

	raw := make([]uint16, packet.EEGSamplesPerPacket)
	ok, err := s.smxt.Emit(1, 42, raw)
	s.Require().NoError(err)
	s.True(ok)
	pkt, err := packet.DecodeEEG(got)
	s.Require().NoError(err)
	s.EqualValues(42, pkt.Timestamp)
	s.InDelta(-1000.0, pkt.Samples[0], 1e-9)

	s.Require().NoError(sub.Release())
	s.Require().NoError(sub.Release())
	s.Zero(s.smxt.Subscribed())
	ok, _ = s.smxt.Emit(1, 43, raw)
	s.False(ok)
}

func (s *SimTestSuite) TestPairingRequiredBeforeStart() {
	l := s.connect(s.smxt)
	pairer, ok := l.(device.Pairer)
	s.Require().True(ok)
	s.False(pairer.IsPaired())

	s.Error(s.control(l).Write(muse.CommandStartStreaming, false))
	s.Require().NoError(pairer.Pair(context.Background()))
	s.True(pairer.IsPaired())
	s.NoError(s.control(l).Write(muse.CommandStartStreaming, false))
}

func (s *SimTestSuite) TestFaultInjection() {
	l := s.connect(s.muse)
	boom := errors.New("gatt failure")

	s.muse.FailSubscribe(muse.ChannelCharacteristicUUIDs[2], boom)
	c, err := l.Characteristic(muse.ServiceUUID, muse.ChannelCharacteristicUUIDs[2])
	s.Require().NoError(err)
	_, err = c.Subscribe(func([]byte) {})
	s.ErrorIs(err, boom)

	s.muse.FailWrites(boom)
	s.ErrorIs(s.control(l).Write(muse.CommandStartStreaming, false), boom)
	s.muse.FailWrites(nil)

	s.muse.RemoveCharacteristic(muse.ChannelCharacteristicUUIDs[3])
	_, err = l.Characteristic(muse.ServiceUUID, muse.ChannelCharacteristicUUIDs[3])
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *SimTestSuite) TestDropAndProbe() {
	l := s.connect(s.muse)
	statuses := make(chan device.ConnectionStatus, 4)
	l.SetStatusHandler(func(st device.ConnectionStatus) { statuses <- st })

	s.muse.SetAvailable(false)
	s.Equal(device.Offline, <-statuses)
	s.False(l.IsConnected())
	s.ErrorIs(l.Probe(context.Background()), device.ErrNotConnected)

	s.muse.SetAvailable(true)
	s.Require().NoError(l.Probe(context.Background()))
	s.Equal(device.Online, <-statuses)
	s.True(l.IsConnected())
	s.Equal(2, s.muse.Probes())
}

func (s *SimTestSuite) TestProbeNotifiesOffTheCallingGoroutine() {
	l := s.connect(s.muse)
	s.muse.SetAvailable(false)

	var mu sync.Mutex
	got := make(chan device.ConnectionStatus, 1)
	l.SetStatusHandler(func(st device.ConnectionStatus) {
		mu.Lock()
		defer mu.Unlock()
		got <- st
	})

	s.muse.SetAvailable(true)
	mu.Lock()
	s.Require().NoError(l.Probe(context.Background()), "Probe must not wait for the handler")
	mu.Unlock()

	select {
	case st := <-got:
		s.Equal(device.Online, st)
	case <-time.After(time.Second):
		s.Fail("status handler never ran")
	}
}

func (s *SimTestSuite) TestResetDropsLink() {
	l := s.connect(s.muse)
	statuses := make(chan device.ConnectionStatus, 4)
	l.SetStatusHandler(func(st device.ConnectionStatus) { statuses <- st })

	s.Require().NoError(s.control(l).Write(muse.CommandStartStreaming, false))
	s.Require().NoError(s.control(l).Write(muse.CommandReset, false))

	select {
	case st := <-statuses:
		s.Equal(device.Offline, st)
	case <-time.After(time.Second):
		s.Fail("reset did not drop the link")
	}
	s.False(s.muse.Streaming())
	s.Require().NoError(l.Probe(context.Background()))
	s.True(l.IsConnected())
}

func TestSimTestSuite(t *testing.T) {
	suite.Run(t, new(SimTestSuite))
}
