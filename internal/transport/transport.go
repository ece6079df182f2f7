// Package transport implements the three listener surfaces (raw TCP, TLS,
// WebSocket) that accept MQTT connections and drive them through a shared
// Connection Handler state machine (internal/broker.Context). Each listener
// owns nothing about session/subscription/retained state itself — it only
// turns bytes on a net.Conn into packet.ParsedPacket values and calls the
// matching broker.Context method.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/dynamq/dynamq/internal/broker"
	"github.com/dynamq/dynamq/internal/errs"
	"github.com/dynamq/dynamq/internal/logger"
	"github.com/dynamq/dynamq/internal/packet"
	"github.com/dynamq/dynamq/internal/session"
)

// connectTimeout bounds how long a client has to send CONNECT after the
// transport accepts it, before the connection is dropped.
const connectTimeout = 10 * time.Second

// serve is the shared read/dispatch loop used by every listener once it has
// a net.Conn in hand. remoteAddr is passed separately from conn.RemoteAddr()
// because a WebSocket connection's underlying net.Conn reports the proxy
// hop, not the client, in some deployments.
func serve(ctx context.Context, b *broker.Context, admission *broker.Admission, conn net.Conn, remoteAddr string, logger *logger.Logger) {
	defer conn.Close()

	if admission != nil {
		if !admission.Allow(remoteAddr) {
			conn.Write(packet.EncodeConnack(false, packet.ConnackServerUnavailable))
			return
		}
		defer admission.Release(remoteAddr)
	}

	reader := bufio.NewReader(conn)
	var sess *session.ClientSession
	connected := false
	abnormal := true

	defer func() {
		if sess != nil {
			b.HandleDisconnect(ctx, sess, abnormal)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(connectTimeout))

	for {
		raw, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("read error", slog.String("remote_addr", remoteAddr), slog.String("error", err.Error()))
			}
			return
		}

		parsed, err := packet.Parse(raw)
		if err != nil {
			logger.Debug("parse error", slog.String("remote_addr", remoteAddr), slog.String("error", err.Error()))
			if !connected {
				conn.Write(packet.EncodeConnack(false, connackCodeForParseError(err)))
			}
			return
		}

		if !connected {
			if !parsed.IsConnect() {
				conn.Write(packet.EncodeConnack(false, packet.ConnackUnacceptableProtocol))
				return
			}

			result := b.HandleConnect(ctx, parsed.Connect, conn, remoteAddr)
			conn.Write(result.Connack)
			if result.Close || result.Session == nil {
				return
			}

			sess = result.Session
			connected = true
			if sess.KeepAlive > 0 {
				conn.SetReadDeadline(time.Now().Add(time.Duration(sess.KeepAlive) * 3 / 2 * time.Second))
			} else {
				conn.SetReadDeadline(time.Time{})
			}
			continue
		}

		if sess.KeepAlive > 0 {
			conn.SetReadDeadline(time.Now().Add(time.Duration(sess.KeepAlive) * 3 / 2 * time.Second))
		}

		switch parsed.Type {
		case packet.PUBLISH:
			res := b.HandlePublish(ctx, sess, parsed.Publish)
			if res.Ack != nil {
				if _, err := conn.Write(res.Ack); err != nil {
					return
				}
			}

		case packet.PUBACK:
			b.HandlePubAck(ctx, sess, parsed.PubAck)

		case packet.PUBREC:
			out := b.HandlePubRec(ctx, sess, parsed.PubRec)
			if _, err := conn.Write(out); err != nil {
				return
			}

		case packet.PUBREL:
			out := b.HandlePubRel(ctx, sess, parsed.PubRel)
			if _, err := conn.Write(out); err != nil {
				return
			}

		case packet.PUBCOMP:
			b.HandlePubComp(ctx, sess, parsed.PubComp)

		case packet.SUBSCRIBE:
			res := b.HandleSubscribe(ctx, sess, parsed.Subscribe)
			if _, err := conn.Write(res.Suback); err != nil {
				return
			}
			for _, g := range res.Granted {
				b.ReplayRetained(ctx, sess, g.Filter, g.QoS)
			}

		case packet.UNSUBSCRIBE:
			out := b.HandleUnsubscribe(ctx, sess, parsed.Unsubscribe)
			if _, err := conn.Write(out); err != nil {
				return
			}

		case packet.PINGREQ:
			out := b.HandlePingreq(ctx, sess)
			if _, err := conn.Write(out); err != nil {
				return
			}

		case packet.DISCONNECT:
			abnormal = false
			return

		default:
			logger.Warn("unhandled packet type", slog.Any("type", parsed.Type), slog.String("remote_addr", remoteAddr))
			return
		}
	}
}

// readPacket reads one complete MQTT control packet (fixed header byte,
// variable-length remaining-length field, then the remaining-length body)
// off r, mirroring the original goqtt TCP reader but kept transport-agnostic
// so the WebSocket and TLS listeners share it too.
func readPacket(r *bufio.Reader) ([]byte, error) {
	fixedHeader, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 0, 4)
	remainingLength := 0
	multiplier := 1

	for {
		if len(remLenBuf) >= 4 {
			return nil, &errs.Err{Context: "transport.readPacket", Message: errs.ErrRemainingLengthExceed}
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf = append(remLenBuf, b)
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	if remainingLength > packet.MaxPayloadSize {
		return nil, &errs.Err{Context: "transport.readPacket", Message: errs.ErrPayloadTooLarge}
	}

	raw := make([]byte, 1+len(remLenBuf)+remainingLength)
	raw[0] = fixedHeader
	copy(raw[1:], remLenBuf)
	if _, err := io.ReadFull(r, raw[1+len(remLenBuf):]); err != nil {
		return nil, err
	}
	return raw, nil
}

func connackCodeForParseError(err error) packet.ConnackReturnCode {
	switch {
	case errors.Is(err, errs.ErrUnsupportedProtocolLevel), errors.Is(err, errs.ErrUnsupportedProtocolName):
		return packet.ConnackUnacceptableProtocol
	case errors.Is(err, errs.ErrInvalidCharsClientID), errors.Is(err, errs.ErrClientIDLengthExceed), errors.Is(err, errs.ErrIdentifierRejected):
		return packet.ConnackIdentifierRejected
	case errors.Is(err, errs.ErrPasswordWithoutUsername), errors.Is(err, errs.ErrMalformedUsernameField), errors.Is(err, errs.ErrMalformedPasswordField):
		return packet.ConnackBadUsernameOrPassword
	default:
		return packet.ConnackServerUnavailable
	}
}
