//go:build tinygo

// Package notify announces firmware-manager events to the outside world
// over MQTT, for the one case the firmware core needs to say something
// happened without a REST round trip: a same-boot rollback.
package notify

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"

	"openenterprise/bindicator/config"
)

const (
	connectTimeout = 10 * time.Second
	dialRetries    = 3
)

var errConnectTimeout = errors.New("notify: mqtt connect timeout")

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// RollbackAnnouncer publishes a single QoS0 message to the configured
// rollback-announce topic and disconnects; a rollback announcement is
// fire-and-forget, so there is no subscribe/wait-for-response half.
type RollbackAnnouncer struct {
	stack  *xnet.StackAsync
	broker netip.AddrPort
	log    *slog.Logger
	rxBuf  [1024]byte
	txBuf  [1024]byte
	msgBuf [256]byte
}

// NewRollbackAnnouncer returns an announcer bound to stack and broker.
// It no-ops (Announce returns nil immediately) when
// config.RollbackAnnounceTopic is empty.
func NewRollbackAnnouncer(stack *xnet.StackAsync, broker netip.AddrPort, log *slog.Logger) *RollbackAnnouncer {
	return &RollbackAnnouncer{stack: stack, broker: broker, log: log}
}

// Announce connects, publishes bank's rollback event, and disconnects.
func (a *RollbackAnnouncer) Announce(fromBank, toBank string) error {
	topic := config.RollbackAnnounceTopic()
	if topic == "" {
		return nil
	}

	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: a.rxBuf[:], TxBuf: a.txBuf[:], TxPacketQueueSize: 2}); err != nil {
		return err
	}

	cfg := mqtt.ClientConfig{Decoder: mqtt.DecoderNoAlloc{UserBuffer: a.msgBuf[:]}}
	client := mqtt.NewClient(cfg)

	var varconn mqtt.VariablesConnect
	clientID := []byte("otacore-rollback")
	varconn.SetDefaultMQTT(clientID)

	rstack := a.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(a.stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, a.broker, connectTimeout, dialRetries); err != nil {
		a.logError("notify:dial-failed", err)
		return err
	}
	defer conn.Abort()

	conn.SetDeadline(time.Now().Add(connectTimeout))
	if err := client.StartConnect(&conn, &varconn); err != nil {
		a.logError("notify:connect-failed", err)
		return err
	}
	for i := 0; i < 50 && !client.IsConnected(); i++ {
		time.Sleep(100 * time.Millisecond)
		client.HandleNext()
	}
	if !client.IsConnected() {
		return errConnectTimeout
	}

	pubVar := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: uint16(a.stack.Prand32()),
	}
	payload := append([]byte(fromBank+">"), toBank...)
	if err := client.PublishPayload(pubFlags, pubVar, payload); err != nil {
		a.logError("notify:publish-failed", err)
		return err
	}
	if a.log != nil {
		a.log.Info("notify:rollback-announced", slog.String("topic", topic), slog.String("from", fromBank), slog.String("to", toBank))
	}
	return nil
}

func (a *RollbackAnnouncer) logError(msg string, err error) {
	if a.log != nil {
		a.log.Error(msg, slog.String("err", err.Error()))
	}
}
