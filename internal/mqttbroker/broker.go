// Package mqttbroker is a small embedded MQTT v3.1.1 broker for field deployments without
// a separate broker. Deliveries are QoS 0; QoS 1 and 2 publishes are acknowledged and then
// fanned out at QoS 0.
package mqttbroker

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PublishMessage is a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// defaultWriteTimeout bounds each write to a client so that one stalled subscriber cannot
// hold up routing for everyone else.
const defaultWriteTimeout = 5 * time.Second

type clientSession struct {
	conn         net.Conn
	writeTimeout time.Duration
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn, writeTimeout time.Duration) *clientSession {
	return &clientSession{
		conn:          conn,
		writeTimeout:  writeTimeout,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if matchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscription(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) removeSubscription(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(packet); err != nil {
		// A partial write leaves the stream unusable; the read loop sees the close.
		c.closed.Store(true)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Broker accepts MQTT clients and routes publishes to matching subscriptions, including
// '+' and '#' wildcard filters.
type Broker struct {
	logger       *zap.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	username     string
	password     string
	writeTimeout time.Duration

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		logger:       logger.Named("mqttbroker"),
		clients:      make(map[*clientSession]struct{}),
		writeTimeout: defaultWriteTimeout,
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// SetCredentials requires clients to authenticate. Empty username disables the check.
func (b *Broker) SetCredentials(username, password string) {
	b.username = username
	b.password = password
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", zap.String("addr", ln.Addr().String()))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", zap.Error(err))
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn, b.writeTimeout)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	b.logger.Info("mqtt broker stopped")
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish sends a message to every client with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	if !validTopicName(topic) {
		return fmt.Errorf("invalid topic name %q", topic)
	}
	b.forwardToSubscribers(topic, payload, nil)
	return nil
}

// ClientCount returns the number of open connections.
func (b *Broker) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	ctx := context.Background()
	connected := false
	var keepAlive time.Duration

	for {
		if keepAlive > 0 {
			_ = session.conn.SetReadDeadline(time.Now().Add(keepAlive * 3 / 2))
		}

		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", zap.String("client", session.clientID), zap.Error(err))
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", zap.Error(err))
			return
		}
		if remaining > maxPacketSize {
			b.logger.Warn("packet too large", zap.String("client", session.clientID), zap.Int("size", remaining))
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", zap.Error(err))
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", zap.Uint8("type", packetType))
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("second connect packet", zap.String("client", session.clientID))
				return
			}
			ka, err := b.handleConnect(session, payload)
			if err != nil {
				b.logger.Debug("handle connect error", zap.Error(err))
				return
			}
			connected = true
			keepAlive = ka
			b.logger.Debug("client connected", zap.String("client", session.clientID))
		case packetPublish:
			if err := b.handlePublish(ctx, session, header, payload); err != nil {
				b.logger.Debug("handle publish error", zap.String("client", session.clientID), zap.Error(err))
				return
			}
		case packetPubRel:
			rd := bytesReader(payload)
			id, err := rd.readUint16()
			if err != nil {
				return
			}
			if err := session.writePacket(buildAck(packetPubComp, 0, id)); err != nil {
				return
			}
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", zap.Error(err))
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", zap.Error(err))
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", zap.Error(err))
				return
			}
		case packetDisconnect:
			b.logger.Debug("client disconnected", zap.String("client", session.clientID))
			return
		default:
			b.logger.Debug("unsupported packet", zap.Uint8("type", packetType))
			return
		}
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) (time.Duration, error) {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return 0, fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return 0, fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return 0, fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return 0, fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return 0, fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return 0, fmt.Errorf("reserved connect flag set")
	}
	hasWill := flags&(1<<2) != 0
	hasPassword := flags&(1<<6) != 0
	hasUsername := flags&(1<<7) != 0

	keepAlive, err := rd.readUint16()
	if err != nil {
		return 0, fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return 0, fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = clientID

	// Wills are accepted but never published.
	if hasWill {
		if _, err := rd.readString(); err != nil {
			return 0, fmt.Errorf("read will topic: %w", err)
		}
		if _, err := rd.readString(); err != nil {
			return 0, fmt.Errorf("read will message: %w", err)
		}
	}

	var username, password string
	if hasUsername {
		if username, err = rd.readString(); err != nil {
			return 0, fmt.Errorf("read username: %w", err)
		}
	}
	if hasPassword {
		if password, err = rd.readString(); err != nil {
			return 0, fmt.Errorf("read password: %w", err)
		}
	}

	if b.username != "" && !b.authorized(username, password) {
		_ = session.writePacket(buildConnAck(connRefusedBadAuth))
		return 0, fmt.Errorf("client %s: bad credentials", clientID)
	}

	if err := session.writePacket(buildConnAck(connAccepted)); err != nil {
		return 0, fmt.Errorf("write connack: %w", err)
	}

	return time.Duration(keepAlive) * time.Second, nil
}

func (b *Broker) authorized(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(b.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(b.password)) == 1
	return userOK && passOK
}

func (b *Broker) handlePublish(ctx context.Context, session *clientSession, header byte, payload []byte) error {
	msg, packetID, err := readPublish(header, payload)
	if err != nil {
		return err
	}
	msg.ClientID = session.clientID

	switch msg.QoS {
	case 1:
		if err := session.writePacket(buildAck(packetPubAck, 0, packetID)); err != nil {
			return fmt.Errorf("write puback: %w", err)
		}
	case 2:
		if err := session.writePacket(buildAck(packetPubRec, 0, packetID)); err != nil {
			return fmt.Errorf("write pubrec: %w", err)
		}
	}

	if h, ok := b.handler.Load().(Handler); ok {
		safeInvoke(h, ctx, msg, b.logger)
	}
	b.forwardToSubscribers(msg.Topic, msg.Payload, session)
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	codes := make([]byte, 0, 1)
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		if _, err := rd.readByte(); err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if !validFilter(filter) {
			codes = append(codes, subAckFailure)
			continue
		}
		session.addSubscription(filter)
		codes = append(codes, 0x00) // granted QoS 0
		b.logger.Debug("client subscribed", zap.String("client", session.clientID), zap.String("filter", filter))
	}

	packet, err := buildSubAck(packetID, codes)
	if err != nil {
		return err
	}
	return session.writePacket(packet)
}

func (b *Broker) handleUnsubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		session.removeSubscription(filter)
	}
	return session.writePacket(buildAck(packetUnsubAck, 0, packetID))
}

func (b *Broker) forwardToSubscribers(topic string, payload []byte, exclude *clientSession) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	// Writes happen outside clientsMu so that connects and disconnects never wait on a
	// slow subscriber.
	b.clientsMu.RLock()
	targets := make([]*clientSession, 0, len(b.clients))
	for session := range b.clients {
		if session != exclude && session.matches(topic) {
			targets = append(targets, session)
		}
	}
	b.clientsMu.RUnlock()

	for _, session := range targets {
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("forward publish failed", zap.String("client", session.clientID), zap.Error(err))
		}
	}
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", zap.Any("panic", r))
		}
	}()
	h(ctx, msg)
}
