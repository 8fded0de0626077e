package peer

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger.WithField("component", "test")
}

func srtpMaterial(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key := make([]byte, srtpKeyLength)
	salt := make([]byte, srtpSaltLength)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(salt)
	require.NoError(t, err)
	return key, salt
}

func TestBuildOfferCarriesAudioAndCrypto(t *testing.T) {
	key, salt := srtpMaterial(t)

	offer, err := buildOffer("sess-1", "203.0.113.5", 40000, key, salt)
	require.NoError(t, err)

	raw, err := offer.Marshal()
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "m=audio 40000 RTP/SAVP 96")
	assert.Contains(t, text, "a=rtpmap:96 L16/44100/1")
	assert.Contains(t, text, "a=sendrecv")
	assert.Contains(t, text, "a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:")
	assert.Contains(t, text, "c=IN IP4 203.0.113.5")
}

func TestBuildOfferWithoutKeysStaysPlainRTP(t *testing.T) {
	offer, err := buildOffer("sess-1", "203.0.113.5", 40000, nil, nil)
	require.NoError(t, err)

	raw, err := offer.Marshal()
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "m=audio 40000 RTP/AVP 96")
	assert.NotContains(t, text, "a=crypto")
}

func TestParseAnswerRoundTrip(t *testing.T) {
	key, salt := srtpMaterial(t)

	offer, err := buildOffer("sess-1", "198.51.100.7", 41234, key, salt)
	require.NoError(t, err)
	raw, err := offer.Marshal()
	require.NoError(t, err)

	params, err := parseAnswer(string(raw), testEntry())
	require.NoError(t, err)

	assert.Equal(t, "198.51.100.7", params.remoteIP)
	assert.Equal(t, 41234, params.remotePort)
	assert.True(t, params.srtpEnabled)
	assert.Equal(t, key, params.srtpMasterKey)
	assert.Equal(t, salt, params.srtpMasterSalt)
}

func TestParseAnswerMediaLevelConnectionWins(t *testing.T) {
	answer := strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 192.0.2.1",
		"s=answer",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"m=audio 45000 RTP/AVP 96",
		"c=IN IP4 192.0.2.99",
		"a=rtpmap:96 L16/44100/1",
		"",
	}, "\r\n")

	params, err := parseAnswer(answer, testEntry())
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.99", params.remoteIP)
	assert.Equal(t, 45000, params.remotePort)
	assert.False(t, params.srtpEnabled)
}

func TestParseAnswerRejectsGarbage(t *testing.T) {
	_, err := parseAnswer("not an sdp", testEntry())
	assert.Error(t, err)
}

func TestParseAnswerRejectsMissingAudio(t *testing.T) {
	answer := strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 192.0.2.1",
		"s=answer",
		"c=IN IP4 192.0.2.1",
		"t=0 0",
		"",
	}, "\r\n")

	_, err := parseAnswer(answer, testEntry())
	assert.Error(t, err)
}

func TestParseCryptoAttributeIgnoresUnknownProfile(t *testing.T) {
	params := &mediaParams{}
	parseCryptoAttribute(params, "1 AEAD_AES_256_GCM inline:Zm9v", testEntry())
	assert.False(t, params.srtpEnabled)
}

func TestParseCryptoAttributeStripsLifetimeSuffix(t *testing.T) {
	key, salt := srtpMaterial(t)
	offer, err := buildOffer("sess-1", "198.51.100.7", 41234, key, salt)
	require.NoError(t, err)

	var inline string
	for _, attr := range offer.MediaDescriptions[0].Attributes {
		if attr.Key == "crypto" {
			inline = attr.Value
		}
	}
	require.NotEmpty(t, inline)

	params := &mediaParams{}
	parseCryptoAttribute(params, inline+"|2^20|1:32", testEntry())
	assert.True(t, params.srtpEnabled)
	assert.Equal(t, key, params.srtpMasterKey)
	assert.Equal(t, salt, params.srtpMasterSalt)
}
