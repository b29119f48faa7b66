package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agrolink/relay/internal/logging"
)

type readingPayload struct {
	Temperature  float64  `json:"temperatura"`
	Humidity     float64  `json:"humedad"`
	SoilMoisture *float64 `json:"humedad_suelo,omitempty"`
	Light        *float64 `json:"luz,omitempty"`
	Latitude     *float64 `json:"lat,omitempty"`
	Longitude    *float64 `json:"lon,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	nodeID := flag.String("node-id", "sim-node-1", "Node identifier, used as the last topic level")
	prefix := flag.String("prefix", "dht22/datos", "Topic prefix the bridge subscribes under")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published readings")
	format := flag.String("format", "json", "Payload format: json or legacy")
	baseTemp := flag.Float64("base-temp", 22, "Baseline temperature in Celsius")
	baseHum := flag.Float64("base-hum", 55, "Baseline relative humidity")
	soil := flag.Bool("soil", false, "Include a soil moisture value")
	lat := flag.Float64("lat", 0, "Latitude to report, 0 disables the location")
	lon := flag.Float64("lon", 0, "Longitude to report")
	logLevel := flag.String("log-level", "info", "Log level")

	flag.Parse()

	logger, err := logging.New(*logLevel, "console", "node-sim")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *format != "json" && *format != "legacy" {
		logger.Fatal("unknown payload format", zap.String("format", *format))
	}

	clientID := fmt.Sprintf("%s-sim-%s", *nodeID, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("failed to connect to broker", zap.Error(token.Error()))
	}
	logger.Info("connected to MQTT broker", zap.String("broker", *brokerAddr), zap.String("client_id", clientID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	topic := strings.TrimRight(*prefix, "/") + "/" + *nodeID

	publish := func() {
		reading := readingPayload{
			Temperature: jitter(*baseTemp, 1.5),
			Humidity:    jitter(*baseHum, 5),
		}
		if *soil {
			v := float64(rand.IntN(400) + 300)
			reading.SoilMoisture = &v
		}
		if *lat != 0 || *lon != 0 {
			reading.Latitude, reading.Longitude = lat, lon
		}

		data, err := encode(*format, reading)
		if err != nil {
			logger.Error("failed to encode payload", zap.Error(err))
			return
		}

		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("publish error", zap.Error(err))
			return
		}
		logger.Info("published", zap.String("topic", topic), zap.ByteString("payload", data))
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// encode renders the reading as JSON or as the text line older DHT22 firmware prints.
func encode(format string, r readingPayload) ([]byte, error) {
	if format == "legacy" {
		return []byte(fmt.Sprintf("Temp:%.2fC Hum:%.2f%%", r.Temperature, r.Humidity)), nil
	}
	return json.Marshal(r)
}

func jitter(base, spread float64) float64 {
	v := base + (rand.Float64()*2-1)*spread
	return float64(int(v*100)) / 100
}
