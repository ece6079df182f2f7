package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamq/dynamq/internal/broker"
	"github.com/dynamq/dynamq/internal/errs"
	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/retained"
	"github.com/dynamq/dynamq/internal/session"
	"github.com/dynamq/dynamq/internal/sink"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.LevelError, Output: io.Discard})
}

func testBroker() *broker.Context {
	return broker.New("node-a", broker.NewSubscriptionIndex(), retained.NewLocal(), session.NewLocal("node-a"), nil, nil, sink.Noop{}, broker.NewAdmission(0, 0), testLogger())
}

// encodeString writes an MQTT-style 2-byte-length-prefixed UTF-8 string.
func encodeString(s string) []byte {
	buf := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
	return buf
}

// buildConnect constructs a minimal, valid CONNECT packet for clientID.
func buildConnect(clientID string, cleanSession bool, keepAlive uint16) []byte {
	var body bytes.Buffer
	body.Write(encodeString("MQTT"))
	body.WriteByte(4) // protocol level

	var flags byte
	if cleanSession {
		flags |= 0x02
	}
	body.WriteByte(flags)

	ka := make([]byte, 2)
	binary.BigEndian.PutUint16(ka, keepAlive)
	body.Write(ka)

	body.Write(encodeString(clientID))

	var out bytes.Buffer
	out.WriteByte(byte(packet.CONNECT))
	out.WriteByte(byte(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestReadPacketReadsFixedHeaderAndBody(t *testing.T) {
	raw := []byte{byte(packet.PINGREQ), 0x00}
	r := bufio.NewReader(bytes.NewReader(raw))

	got, err := readPacket(r)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestReadPacketRejectsOversizedRemainingLength(t *testing.T) {
	raw := []byte{byte(packet.PUBLISH), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	r := bufio.NewReader(bytes.NewReader(raw))

	_, err := readPacket(r)
	require.Error(t, err)
}

func TestReadPacketPropagatesEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := readPacket(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnackCodeForParseError(t *testing.T) {
	cases := []struct {
		err  error
		want packet.ConnackReturnCode
	}{
		{&errs.Err{Context: "x", Message: errs.ErrUnsupportedProtocolLevel}, packet.ConnackUnacceptableProtocol},
		{&errs.Err{Context: "x", Message: errs.ErrUnsupportedProtocolName}, packet.ConnackUnacceptableProtocol},
		{&errs.Err{Context: "x", Message: errs.ErrIdentifierRejected}, packet.ConnackIdentifierRejected},
		{&errs.Err{Context: "x", Message: errs.ErrClientIDLengthExceed}, packet.ConnackIdentifierRejected},
		{&errs.Err{Context: "x", Message: errs.ErrPasswordWithoutUsername}, packet.ConnackBadUsernameOrPassword},
		{&errs.Err{Context: "x", Message: errs.ErrRemainingLengthExceed}, packet.ConnackServerUnavailable},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, connackCodeForParseError(c.err))
	}
}

func TestServeAcceptsConnectThenRespondsToPingreq(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	b := testBroker()
	done := make(chan struct{})
	go func() {
		serve(context.Background(), b, nil, server, "127.0.0.1:9", testLogger())
		close(done)
	}()

	_, err := client.Write(buildConnect("client1", true, 0))
	require.NoError(t, err)

	connack := make([]byte, 4)
	_, err = io.ReadFull(client, connack)
	require.NoError(t, err)
	assert.Equal(t, byte(packet.CONNACK), connack[0])
	assert.Equal(t, byte(packet.ConnackAccepted), connack[3])

	_, err = client.Write([]byte{byte(packet.PINGREQ), 0x00})
	require.NoError(t, err)

	pingresp := make([]byte, 2)
	_, err = io.ReadFull(client, pingresp)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(packet.PINGRESP), 0x00}, pingresp)

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not exit after the client closed")
	}
}

func TestServeRejectsNonConnectFirstPacket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	b := testBroker()
	done := make(chan struct{})
	go func() {
		serve(context.Background(), b, nil, server, "127.0.0.1:9", testLogger())
		close(done)
	}()

	_, err := client.Write([]byte{byte(packet.PINGREQ), 0x00})
	require.NoError(t, err)

	connack := make([]byte, 4)
	_, err = io.ReadFull(client, connack)
	require.NoError(t, err)
	assert.Equal(t, byte(packet.ConnackUnacceptableProtocol), connack[3])

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve should close the connection after rejecting the first packet")
	}
}

func TestServeDeniesConnectionOverAdmissionCap(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	b := testBroker()
	admission := broker.NewAdmission(1, 1000)
	admission.Allow("10.0.0.1:1") // occupy the single slot for this address

	done := make(chan struct{})
	go func() {
		serve(context.Background(), b, admission, server, "10.0.0.1:1", testLogger())
		close(done)
	}()

	connack := make([]byte, 4)
	_, err := io.ReadFull(client, connack)
	require.NoError(t, err)
	assert.Equal(t, byte(packet.ConnackServerUnavailable), connack[3])

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve should close immediately when admission denies the connection")
	}
}

func TestTCPServerAcceptsRealConnections(t *testing.T) {
	b := testBroker()
	srv := New("127.0.0.1:0", b, nil, testLogger())

	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	addr := srv.listener.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(buildConnect("client1", true, 0))
	require.NoError(t, err)

	connack := make([]byte, 4)
	_, err = io.ReadFull(conn, connack)
	require.NoError(t, err)
	assert.Equal(t, byte(packet.ConnackAccepted), connack[3])
}
