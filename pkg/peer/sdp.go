package peer

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/errors"
)

const (
	// Dynamic payload type for 16-bit linear PCM at the fixed sample rate
	audioPayloadType = 96
	audioCodecName   = "L16"
	audioClockRate   = 44100

	srtpProfileName = "AES_CM_128_HMAC_SHA1_80"
	srtpKeyLength   = 16
	srtpSaltLength  = 14
)

// mediaParams is everything the media sender needs from a negotiated
// offer/answer pair.
type mediaParams struct {
	remoteIP   string
	remotePort int

	srtpEnabled    bool
	srtpMasterKey  []byte
	srtpMasterSalt []byte
}

// buildOffer constructs the local SDP offer advertising one sendrecv
// audio stream. When keying material is supplied the offer carries an
// SDES crypto attribute.
func buildOffer(sessionID, localIP string, localPort int, srtpKey, srtpSalt []byte) (*sdp.SessionDescription, error) {
	now := time.Now().Unix()

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(now),
			SessionVersion: uint64(now),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: sdp.SessionName("warroom " + sessionID),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: localPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(audioPayloadType)},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%d/1", audioPayloadType, audioCodecName, audioClockRate)},
			{Key: "sendrecv"},
		},
	}

	if len(srtpKey) == srtpKeyLength && len(srtpSalt) == srtpSaltLength {
		media.MediaName.Protos = []string{"RTP", "SAVP"}
		inline := base64.StdEncoding.EncodeToString(append(append([]byte{}, srtpKey...), srtpSalt...))
		media.Attributes = append(media.Attributes, sdp.Attribute{
			Key:   "crypto",
			Value: fmt.Sprintf("1 %s inline:%s", srtpProfileName, inline),
		})
	}

	offer.MediaDescriptions = append(offer.MediaDescriptions, media)
	return offer, nil
}

// parseAnswer extracts the remote media endpoint and keying material from
// the SDP answer.
func parseAnswer(raw string, logger *logrus.Entry) (*mediaParams, error) {
	answer := &sdp.SessionDescription{}
	if err := answer.Unmarshal([]byte(raw)); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "failed to parse answer", map[string]interface{}{
			"cause": err.Error(),
		})
	}

	params := &mediaParams{}

	if answer.ConnectionInformation != nil && answer.ConnectionInformation.Address != nil {
		params.remoteIP = answer.ConnectionInformation.Address.Address
	}

	for _, md := range answer.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		params.remotePort = md.MediaName.Port.Value

		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			params.remoteIP = md.ConnectionInformation.Address.Address
		}

		for _, attr := range md.Attributes {
			if attr.Key == "crypto" {
				parseCryptoAttribute(params, attr.Value, logger)
			}
		}
		break
	}

	if params.remoteIP == "" || params.remotePort == 0 {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "answer carries no audio endpoint")
	}
	if net.ParseIP(params.remoteIP) == nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "answer carries an invalid address", map[string]interface{}{
			"address": params.remoteIP,
		})
	}

	return params, nil
}

// parseCryptoAttribute extracts SDES keying material from a crypto
// attribute value of the form "1 AES_CM_128_HMAC_SHA1_80 inline:<base64>"
func parseCryptoAttribute(params *mediaParams, value string, logger *logrus.Entry) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return
	}
	if fields[1] != srtpProfileName {
		logger.WithField("profile", fields[1]).Debug("Ignoring unsupported SRTP profile")
		return
	}

	keyPart := strings.TrimPrefix(fields[2], "inline:")
	// Lifetime/MKI suffixes are separated by '|'
	if idx := strings.IndexByte(keyPart, '|'); idx >= 0 {
		keyPart = keyPart[:idx]
	}

	material, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil || len(material) < srtpKeyLength+srtpSaltLength {
		logger.WithError(err).Warn("Ignoring malformed SRTP keying material")
		return
	}

	params.srtpEnabled = true
	params.srtpMasterKey = material[:srtpKeyLength]
	params.srtpMasterSalt = material[srtpKeyLength : srtpKeyLength+srtpSaltLength]
}
