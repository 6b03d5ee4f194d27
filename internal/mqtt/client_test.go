package mqtt

import (
	"log/slog"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// doneToken is an already completed token.
type doneToken struct{ err error }

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records traffic instead of talking to a broker.
type fakeClient struct {
	mu           sync.Mutex
	published    []published
	subs         map[string]pahomqtt.MessageHandler
	unsubscribed []string
	disconnected bool
	publishErr   error

	// onPublish runs synchronously inside Publish.
	onPublish func(topic string, payload []byte)
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	f.mu.Lock()
	f.published = append(f.published, published{topic: topic, retained: retained, payload: data})
	hook := f.onPublish
	err := f.publishErr
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(topic, data)
	}
	return &doneToken{err: err}
}

func (f *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = cb
	return &doneToken{}
}

func (f *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return &doneToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) messages(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeClient) last(topic string) (published, bool) {
	msgs := f.messages(topic)
	if len(msgs) == 0 {
		return published{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeClient) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}
