package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aviary/internal/pipeline"
)

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

// fakeClient records publishes; unused mqtt.Client methods panic via the nil embed.
type fakeClient struct {
	mqtt.Client
	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []message
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, payload: payload.([]byte)})
	return fakeToken{err: c.publishErr}
}

func (c *fakeClient) published() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func TestPublishTopics(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "studio", nil)

	res := pipeline.Result{
		Job:  pipeline.Job{ID: "panoramic-1", Type: pipeline.JobPanoramic, InputPath: "/frames"},
		Meta: map[string]any{"output": "/frames_Stitched.jpg", "stitched": 3},
	}
	require.NoError(t, p.Publish(res.Event()))

	msgs := client.published()
	require.Len(t, msgs, 2)
	assert.Equal(t, "studio/jobs/panoramic-1", msgs[0].topic)
	assert.Equal(t, "studio/jobs", msgs[1].topic)

	var ev pipeline.Event
	require.NoError(t, json.Unmarshal(msgs[0].payload, &ev))
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, "/frames_Stitched.jpg", ev.Output)
	assert.Equal(t, "panoramic", ev.Type)
}

func TestPublishErrors(t *testing.T) {
	p := NewPublisher(&fakeClient{}, "", nil)
	assert.Error(t, p.Publish(pipeline.Event{ID: "x"}), "disconnected client")

	p = NewPublisher(&fakeClient{connected: true, publishErr: errors.New("denied")}, "", nil)
	assert.ErrorContains(t, p.Publish(pipeline.Event{ID: "x"}), "aviary/jobs/x")
}

func TestRunPublishesResults(t *testing.T) {
	client := &fakeClient{connected: true}
	p := NewPublisher(client, "aviary", nil)
	results := make(chan pipeline.Result, 1)
	results <- pipeline.Result{Job: pipeline.Job{ID: "pair-1", Type: pipeline.JobPair}, Error: errors.New("no features detected")}
	close(results)

	p.Run(context.Background(), results)
	msgs := client.published()
	require.Len(t, msgs, 2)
	var ev pipeline.Event
	require.NoError(t, json.Unmarshal(msgs[1].payload, &ev))
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "no features detected", ev.Error)
}
