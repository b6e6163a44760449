package session

import (
	"time"

	"github.com/librescoot/rft/pkg/flowctl"
	"github.com/librescoot/rft/pkg/framer"
	"github.com/librescoot/rft/pkg/rfterr"
	"github.com/librescoot/rft/pkg/timing"
)

// localHello builds this session's HELLO payload from configuration.
func (s *Session) localHello() HelloPayload {
	supported := FeatureResume | FeatureModeSync | FeatureBatch
	return HelloPayload{
		Magic:                protocolMagic,
		VersionMajor:         1,
		VersionMinor:         0,
		ProposedMTU:          uint32(s.localMTU),
		SupportedFeatures:    supported,
		RequiredFeatures:     s.cfg.RequiredFeatures,
		RequestedFeatures:    s.cfg.RequestedFeatures,
		MaxPerformanceMode:   byte(s.cfg.MaxPerformanceMode),
		PreferredInitialMode: byte(s.cfg.PreferredInitialMode),
		ModeSyncInterval:     uint16(s.cfg.ModeSyncInterval),
	}
}

// applyPeerHello validates the peer's HELLO against ours and wires up
// the negotiated MTU and flow-control controller (§4.5).
func (s *Session) applyPeerHello(peer HelloPayload) error {
	if peer.Magic != protocolMagic {
		return rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt)
	}
	if peer.VersionMajor != 1 {
		return rfterr.New(rfterr.IncompatibleVersion, rfterr.DetailNone)
	}

	local := s.localHello()
	if missing := local.RequiredFeatures &^ peer.SupportedFeatures; missing != 0 {
		return rfterr.New(rfterr.FeatureNegotiation, rfterr.Detail(missing))
	}
	if missing := peer.RequiredFeatures &^ local.SupportedFeatures; missing != 0 {
		return rfterr.New(rfterr.FeatureNegotiation, rfterr.Detail(missing))
	}

	mtu := int(peer.ProposedMTU)
	if s.localMTU < mtu {
		mtu = s.localMTU
	}
	if mtu < framer.VALMinPacketSize || mtu > framer.VALMaxPacketSize {
		return rfterr.New(rfterr.PacketSizeMismatch, rfterr.DetailMTURange)
	}

	s.peerMTU = int(peer.ProposedMTU)
	s.effMTU = mtu
	s.peerSupported = peer.SupportedFeatures
	s.peerRequired = peer.RequiredFeatures
	s.framer.SetMTU(mtu)

	s.flow = flowctl.New(
		s.cfg.MaxPerformanceMode, int(peer.MaxPerformanceMode),
		s.cfg.PreferredInitialMode, int(peer.PreferredInitialMode),
		s.onFlowModeChange,
	)
	s.flow.SetThresholds(s.cfg.DegradeErrorThreshold, s.cfg.RecoverySuccessThreshold)

	s.handshakeDone = true
	s.infof("handshake complete: mtu=%d peer_mtu=%d mode=%d", s.effMTU, s.peerMTU, s.flow.CurrentMode())
	return nil
}

func (s *Session) onFlowModeChange(newMode int) {
	payload := encodeModeSync(ModeSyncPayload{Mode: byte(newMode)})
	if err := s.framer.SendPacket(framer.TypeModeSync, payload, 0); err != nil {
		s.warnf("mode_sync send failed: %v", err)
	}
}

// handshakeInitiate drives the sender side of §4.5: send HELLO, wait
// for the peer's HELLO, retrying with exponential backoff up to
// cfg.HandshakeRetries times.
func (s *Session) handshakeInitiate() error {
	backoff := s.cfg.BackoffBase
	for attempt := 0; attempt <= s.cfg.HandshakeRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return s.setLastErr(err)
		}
		s.timing.SetInRetransmit(attempt > 0)

		hello := encodeHello(s.localHello())
		if err := s.framer.SendPacket(framer.TypeHello, hello, 0); err != nil {
			return s.setLastErr(err)
		}

		start := s.now()
		timeout := s.timing.GetTimeout(timing.OpHandshake)
		pkt, err := s.framer.RecvPacket(timeout)
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				time.Sleep(backoff)
				backoff *= 2
				continue
			}
			return s.setLastErr(err)
		}
		if pkt.Type == framer.TypeError {
			// The responder rejected our HELLO; report its code and detail.
			ep, derr := decodeErrorPayload(pkt.Payload)
			if derr != nil {
				return s.setLastErr(rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt))
			}
			return s.setLastErr(rfterr.New(rfterr.Code(ep.Code), rfterr.Detail(ep.Detail)))
		}
		if pkt.Type != framer.TypeHello {
			continue
		}
		s.timing.RecordRTT(s.now().Sub(start))

		peer, derr := decodeHello(pkt.Payload)
		if derr != nil {
			return s.setLastErr(rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt))
		}
		if err := s.applyPeerHello(peer); err != nil {
			return s.setLastErr(err)
		}
		return nil
	}
	return s.setLastErr(rfterr.New(rfterr.Timeout, rfterr.DetailOpHello))
}

// handshakeRespond drives the receiver side of §4.5: wait for the
// peer's HELLO, reply with our own, retrying receipt up to
// cfg.HandshakeRetries times.
func (s *Session) handshakeRespond() error {
	for attempt := 0; attempt <= s.cfg.HandshakeRetries; attempt++ {
		if err := s.checkCancel(); err != nil {
			return s.setLastErr(err)
		}
		timeout := s.timing.GetTimeout(timing.OpHandshake)
		pkt, err := s.framer.RecvPacket(timeout)
		if err != nil {
			if rfterr.Is(err, rfterr.Timeout) {
				continue
			}
			return s.setLastErr(err)
		}
		if pkt.Type != framer.TypeHello {
			continue
		}
		peer, derr := decodeHello(pkt.Payload)
		if derr != nil {
			return s.setLastErr(rfterr.New(rfterr.Protocol, rfterr.DetailMalformedPkt))
		}
		if err := s.applyPeerHello(peer); err != nil {
			s.sendControlError(asRftError(err))
			return s.setLastErr(err)
		}
		reply := encodeHello(s.localHello())
		if err := s.framer.SendPacket(framer.TypeHello, reply, 0); err != nil {
			return s.setLastErr(err)
		}
		return nil
	}
	return s.setLastErr(rfterr.New(rfterr.Timeout, rfterr.DetailOpHello))
}
