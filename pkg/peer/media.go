package peer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/audio"
	"warroom-agent/pkg/metrics"
)

// Packets carry 20ms of audio each, five per analysis frame
const samplesPerPacket = audioClockRate / 50

// mediaSender owns the local media socket and transmits the captured
// audio as RTP, optionally SRTP-protected. Muting gates transmission
// only; the local analysis path never sees it.
type mediaSender struct {
	logger    *logrus.Entry
	sessionID string

	conn      *net.UDPConn
	localPort int

	remoteMutex sync.RWMutex
	remoteAddr  *net.UDPAddr

	srtpContext *srtp.Context

	ssrc      uint32
	sequence  uint16
	timestamp uint32

	muted  atomic.Bool
	closed atomic.Bool
}

// newMediaSender binds a local UDP socket inside the configured port range
func newMediaSender(sessionID string, portMin, portMax int, logger *logrus.Entry) (*mediaSender, error) {
	var conn *net.UDPConn
	var err error

	for port := portMin; port <= portMax; port += 2 {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			break
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("no free media port in range %d-%d: %w", portMin, portMax, err)
	}

	var ssrcBytes [4]byte
	rand.Read(ssrcBytes[:])

	sender := &mediaSender{
		logger:    logger,
		sessionID: sessionID,
		conn:      conn,
		localPort: conn.LocalAddr().(*net.UDPAddr).Port,
		ssrc:      binary.BigEndian.Uint32(ssrcBytes[:]),
	}

	logger.WithFields(logrus.Fields{
		"local_port": sender.localPort,
		"ssrc":       sender.ssrc,
	}).Debug("Media socket bound")

	return sender, nil
}

// configure applies the negotiated answer parameters
func (ms *mediaSender) configure(params *mediaParams, localKey, localSalt []byte) error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", params.remoteIP, params.remotePort))
	if err != nil {
		return fmt.Errorf("failed to resolve remote media address: %w", err)
	}

	ms.remoteMutex.Lock()
	ms.remoteAddr = addr
	ms.remoteMutex.Unlock()

	if params.srtpEnabled {
		context, err := srtp.CreateContext(localKey, localSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
		if err != nil {
			return fmt.Errorf("failed to create SRTP context: %w", err)
		}
		ms.srtpContext = context
		ms.logger.Info("SRTP protection enabled for outbound media")
	}

	return nil
}

// sendFrame packetizes one analysis frame of samples and transmits it.
// Returns the number of packets written.
func (ms *mediaSender) sendFrame(frame *audio.Frame) (int, error) {
	if ms.closed.Load() {
		return 0, nil
	}
	if ms.muted.Load() {
		// Muted: advance the timestamp so the stream stays continuous
		ms.timestamp += uint32(len(frame.Samples))
		return 0, nil
	}

	ms.remoteMutex.RLock()
	remote := ms.remoteAddr
	ms.remoteMutex.RUnlock()
	if remote == nil {
		return 0, nil
	}

	written := 0
	samples := frame.Samples
	for offset := 0; offset < len(samples); offset += samplesPerPacket {
		end := offset + samplesPerPacket
		if end > len(samples) {
			end = len(samples)
		}
		payload := audio.EncodePCM16(samples[offset:end])

		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    audioPayloadType,
				SequenceNumber: ms.sequence,
				Timestamp:      ms.timestamp,
				SSRC:           ms.ssrc,
			},
			Payload: payload,
		}
		ms.sequence++
		ms.timestamp += uint32(end - offset)

		raw, err := packet.Marshal()
		if err != nil {
			return written, fmt.Errorf("failed to marshal RTP packet: %w", err)
		}

		if ms.srtpContext != nil {
			raw, err = ms.srtpContext.EncryptRTP(nil, raw, nil)
			if err != nil {
				return written, fmt.Errorf("failed to protect RTP packet: %w", err)
			}
		}

		if _, err := ms.conn.WriteToUDP(raw, remote); err != nil {
			return written, fmt.Errorf("failed to write media packet: %w", err)
		}
		written++

		if metrics.MediaPacketsSent != nil {
			metrics.MediaPacketsSent.WithLabelValues(ms.sessionID).Inc()
			metrics.MediaBytesSent.WithLabelValues(ms.sessionID).Add(float64(len(raw)))
		}
	}

	return written, nil
}

// setMuted toggles outbound transmission
func (ms *mediaSender) setMuted(muted bool) {
	ms.muted.Store(muted)
}

// close releases the media socket; idempotent
func (ms *mediaSender) close() {
	if ms.closed.CompareAndSwap(false, true) {
		ms.conn.Close()
	}
}
