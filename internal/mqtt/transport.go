package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"miio-fan/internal/miot"
)

// TransportConfig configures a MIoT relay transport.
type TransportConfig struct {
	BrokerConfig
	TopicPrefix string
	DID         string
	Timeout     time.Duration
}

type getParam struct {
	DID  string `json:"did"`
	SIID int    `json:"siid"`
	PIID int    `json:"piid"`
}

type setParam struct {
	DID   string `json:"did"`
	SIID  int    `json:"siid"`
	PIID  int    `json:"piid"`
	Value any    `json:"value"`
}

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	ID     string        `json:"id"`
	Result []miot.Result `json:"result"`
	Error  *RemoteError  `json:"error,omitempty"`
}

// RemoteError is a request-level failure reported by the relay.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("miot relay: %s (code %d)", e.Message, e.Code)
}

// Transport implements miot.Transport over an MQTT relay. Requests go to
// <prefix>/<did>/request and are matched by id against messages on
// <prefix>/<did>/response.
type Transport struct {
	client        client
	requestTopic  string
	responseTopic string
	timeout       time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	pending map[string]chan rpcResponse
	closed  bool
}

// Dial connects to the broker and subscribes to the response topic.
func Dial(cfg TransportConfig, logger *slog.Logger) (*Transport, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "miio-fan-" + uuid.NewString()[:8]
	}
	t := newTransport(nil, cfg, logger)

	opts := newClientOptions(cfg.BrokerConfig).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			// Subscriptions do not survive a reconnect with a clean session.
			if err := t.subscribe(c); err != nil {
				t.logger.Error("subscribe responses", "err", err)
			}
		})
	c, err := connect(opts)
	if err != nil {
		return nil, err
	}
	if err := t.subscribe(c); err != nil {
		c.Disconnect(250)
		return nil, fmt.Errorf("subscribe %s: %w", t.responseTopic, err)
	}
	t.client = c
	return t, nil
}

func newTransport(c client, cfg TransportConfig, logger *slog.Logger) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	base := cfg.TopicPrefix + "/" + cfg.DID
	return &Transport{
		client:        c,
		requestTopic:  base + "/request",
		responseTopic: base + "/response",
		timeout:       cfg.Timeout,
		logger:        logger.With("component", "mqtt-transport", "did", cfg.DID),
		pending:       make(map[string]chan rpcResponse),
	}
}

func (t *Transport) subscribe(c client) error {
	token := c.Subscribe(t.responseTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.handleResponse(msg.Payload())
	})
	return wait(token, t.timeout)
}

func (t *Transport) handleResponse(payload []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.logger.Warn("invalid response", "err", err)
		return
	}
	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	delete(t.pending, resp.ID)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("unmatched response", "id", resp.ID)
		return
	}
	ch <- resp
}

func (t *Transport) call(ctx context.Context, method string, params any) (rpcResponse, error) {
	id := uuid.NewString()
	ch := make(chan rpcResponse, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return rpcResponse{}, miot.ErrClosed
	}
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	payload, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return rpcResponse{}, fmt.Errorf("encode %s: %w", method, err)
	}
	if err := wait(t.client.Publish(t.requestTopic, 1, false, payload), t.timeout); err != nil {
		return rpcResponse{}, fmt.Errorf("publish %s: %w", method, err)
	}
	t.logger.Debug("request sent", "id", id, "method", method)

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return rpcResponse{}, resp.Error
		}
		return resp, nil
	case <-timer.C:
		return rpcResponse{}, miot.ErrTimeout
	case <-ctx.Done():
		return rpcResponse{}, ctx.Err()
	}
}

// GetProperties reads props in one request. Results are reordered to match
// props; a property the relay left out is reported as an internal error.
func (t *Transport) GetProperties(ctx context.Context, props []miot.Property) ([]miot.Result, error) {
	params := make([]getParam, len(props))
	for i, p := range props {
		params[i] = getParam{DID: p.Name, SIID: p.SIID, PIID: p.PIID}
	}
	resp, err := t.call(ctx, "get_properties", params)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]miot.Result, len(resp.Result))
	for _, r := range resp.Result {
		byKey[miot.Property{SIID: r.SIID, PIID: r.PIID}.Key()] = r
	}
	results := make([]miot.Result, len(props))
	for i, p := range props {
		r, ok := byKey[p.Key()]
		if !ok {
			r = miot.Result{SIID: p.SIID, PIID: p.PIID, Code: miot.CodeInternal}
		}
		r.DID = p.Name
		results[i] = r
	}
	return results, nil
}

// SetProperty writes one property.
func (t *Transport) SetProperty(ctx context.Context, p miot.Property, value any) (miot.Result, error) {
	resp, err := t.call(ctx, "set_properties", []setParam{{DID: p.Name, SIID: p.SIID, PIID: p.PIID, Value: value}})
	if err != nil {
		return miot.Result{}, err
	}
	if len(resp.Result) == 0 {
		return miot.Result{}, errors.New("miot relay: empty set_properties result")
	}
	r := resp.Result[0]
	r.DID = p.Name
	return r, nil
}

// Close unsubscribes and disconnects. Calls in flight time out.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := wait(t.client.Unsubscribe(t.responseTopic), t.timeout)
	t.client.Disconnect(250)
	return err
}
