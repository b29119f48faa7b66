package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"agrolink/relay/internal/metrics"
	"agrolink/relay/internal/mqttbroker"
)

const (
	mdnsServiceType = "_agrolink-mqtt._tcp"
	mdnsDomain      = "local."
)

// startBroker runs the embedded MQTT broker so nodes can publish without an external
// broker on the network. The returned channel reports fatal accept errors.
func (a *App) startBroker() (<-chan error, error) {
	broker := mqttbroker.New(a.logger)
	broker.SetCredentials(a.cfg.MQTT.Username, a.cfg.MQTT.Password)
	broker.SetPublishHandler(func(_ context.Context, msg mqttbroker.PublishMessage) {
		metrics.RecordBrokerPublish(msg.QoS)
		a.logger.Debug("mqtt publish",
			zap.String("client_id", msg.ClientID),
			zap.String("topic", msg.Topic),
			zap.Int("bytes", len(msg.Payload)),
		)
	})

	errCh, err := broker.Start(a.cfg.MQTT.BindAddress)
	if err != nil {
		return nil, err
	}
	a.broker = broker

	if a.cfg.MQTT.Advertise {
		if err := a.startMDNS(listenPort(broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}
	return errCh, nil
}

func (a *App) stopBroker() {
	a.stopMDNS()
	if a.broker == nil {
		return
	}
	if err := a.broker.Stop(); err != nil {
		a.logger.Warn("mqtt broker stop", zap.Error(err))
	}
	a.broker = nil
}

func listenPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "agrolink"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("AgroLink Relay (%s)", hostname))
	hostLabel := sanitizeMDNSHost(hostname)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", port),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		fmt.Sprintf("topic=%s/+", strings.TrimRight(a.cfg.MQTT.TopicPrefix, "/")),
		fmt.Sprintf("auth=%t", a.cfg.MQTT.Username != ""),
		fmt.Sprintf("host=%s", hostFQDN),
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", zap.String("instance", instance), zap.Int("port", port))
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "AgroLink Relay"
	}
	return truncateRunes(cleaned, 63)
}

// sanitizeMDNSHost lower-cases the name into a single DNS label.
func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "agrolink"
	}
	return truncateRunes(cleaned, 63)
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
