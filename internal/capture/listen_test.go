package capture

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamSession delivers messages from its own goroutine, like a real
// client callback.
type streamSession struct {
	count    int
	interval time.Duration
	err      error
	stop     chan struct{}
}

func (s *streamSession) Subscribe(_ context.Context, _ string, handler MessageHandler) error {
	if s.err != nil {
		return s.err
	}
	s.stop = make(chan struct{})
	go func() {
		for i := 0; i < s.count; i++ {
			select {
			case <-s.stop:
				return
			case <-time.After(s.interval):
			}
			handler(fmt.Sprintf("sensors/%d", i), []byte(fmt.Sprintf(`{"n":%d}`, i)), false)
		}
	}()
	return nil
}

func (s *streamSession) Disconnect() error {
	if s.stop != nil {
		close(s.stop)
	}
	return nil
}

func TestListen_StopsAtMaxMessages(t *testing.T) {
	session := &streamSession{count: 50, interval: time.Millisecond}
	defer session.Disconnect()

	res, err := Listen(context.Background(), session, "sensors/#", "h:1883", ListenConfig{
		MaxMessages:  3,
		ListenWindow: 5 * time.Second,
		MaxLoops:     1000,
		SettleLoops:  1000,
		PollInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, StopMaxMessages, res.Stop)
	require.Len(t, res.Readings, 3)
	assert.Equal(t, "sensors/0", res.Readings[0].Topic)
	assert.Equal(t, "h:1883", res.Readings[0].Source)
}

func TestListen_SettlesAfterFirstMessages(t *testing.T) {
	session := &streamSession{count: 1, interval: time.Millisecond}
	defer session.Disconnect()

	res, err := Listen(context.Background(), session, "sensors/#", "h", ListenConfig{
		MaxMessages:  10,
		ListenWindow: 5 * time.Second,
		MaxLoops:     1000,
		SettleLoops:  3,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, StopSettled, res.Stop)
	assert.Len(t, res.Readings, 1)
	assert.Greater(t, res.Loops, 3)
}

func TestListen_QuietBrokerHitsLoopBound(t *testing.T) {
	session := &streamSession{}

	start := time.Now()
	res, err := Listen(context.Background(), session, "sensors/#", "h", ListenConfig{
		MaxLoops:     4,
		PollInterval: time.Millisecond,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, StopMaxLoops, res.Stop)
	assert.Equal(t, 4, res.Loops)
	assert.Empty(t, res.Readings)
	assert.Less(t, time.Since(start), time.Second)
}

func TestListen_WindowBound(t *testing.T) {
	session := &streamSession{}

	res, err := Listen(context.Background(), session, "sensors/#", "h", ListenConfig{
		ListenWindow: 20 * time.Millisecond,
		MaxLoops:     100000,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopWindow, res.Stop)
}

func TestListen_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Listen(ctx, &streamSession{}, "sensors/#", "h", ListenConfig{
		PollInterval: time.Hour,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopCanceled, res.Stop)
}

func TestListen_SubscribeError(t *testing.T) {
	_, err := Listen(context.Background(), &streamSession{err: errors.New("denied")}, "sensors/#", "h", ListenConfig{}, nil)
	assert.EqualError(t, err, "denied")
}

func TestListenConfig_Defaults(t *testing.T) {
	cfg := ListenConfig{}.withDefaults()
	assert.Equal(t, DefaultMaxMessages, cfg.MaxMessages)
	assert.Equal(t, DefaultListenWindow, cfg.ListenWindow)
	assert.Equal(t, DefaultMaxLoops, cfg.MaxLoops)
	assert.Equal(t, DefaultSettleLoops, cfg.SettleLoops)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestListenConfig_WithWindowRaisesLoopBound(t *testing.T) {
	cfg := ListenConfig{PollInterval: 100 * time.Millisecond, MaxLoops: 20}.WithWindow(6 * time.Second)
	assert.Equal(t, 6*time.Second, cfg.ListenWindow)
	assert.Equal(t, 60, cfg.MaxLoops)

	cfg = ListenConfig{PollInterval: 100 * time.Millisecond, MaxLoops: 20}.WithWindow(250 * time.Millisecond)
	assert.Equal(t, 20, cfg.MaxLoops)

	cfg = ListenConfig{}.WithWindow(0)
	assert.Equal(t, DefaultListenWindow, cfg.ListenWindow)
}

func TestListen_QuietBrokerListensForWholeWindow(t *testing.T) {
	cfg := ListenConfig{MaxLoops: 3, PollInterval: 5 * time.Millisecond}.WithWindow(60 * time.Millisecond)

	start := time.Now()
	res, err := Listen(context.Background(), &streamSession{}, "sensors/#", "h", cfg, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Empty(t, res.Readings)
}
