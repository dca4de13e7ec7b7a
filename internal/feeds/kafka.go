package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/atmx/conviction-engine/internal/model"
)

// ErrBadTrade is returned by Ingest for an undecodable or incomplete event.
var ErrBadTrade = errors.New("feeds: bad wallet trade event")

// KafkaConfig configures the wallet-activity consumer.
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	GroupID     string        `yaml:"group_id"`
	Topic       string        `yaml:"topic"`
	Retention   time.Duration `yaml:"retention"`
	MaxBuffered int           `yaml:"max_buffered"`
	// RetryBackoff is the pause after a failed consume session.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultKafkaConfig returns the default topic and buffer bounds.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		GroupID:      "conviction-engine",
		Topic:        "wallet.trades",
		Retention:    15 * time.Minute,
		MaxBuffered:  10000,
		RetryBackoff: 2 * time.Second,
	}
}

type received struct {
	trade model.WalletTrade
	at    time.Time
}

// KafkaActivity consumes wallet trade events from a Kafka topic and
// buffers them for the detection cycle. Events are matched against the
// detection window by arrival time, so late chain timestamps are not lost.
type KafkaActivity struct {
	client sarama.ConsumerGroup
	cfg    KafkaConfig
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	buf []received

	ready  chan bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaActivity creates a consumer group client. Call Start to begin
// consuming.
func NewKafkaActivity(cfg KafkaConfig, logger *slog.Logger) (*KafkaActivity, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Version = sarama.V2_8_0_0

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("feeds: kafka consumer group: %w", err)
	}
	return newKafkaActivity(client, cfg, logger), nil
}

func newKafkaActivity(client sarama.ConsumerGroup, cfg KafkaConfig, logger *slog.Logger) *KafkaActivity {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10000
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &KafkaActivity{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		ready:  make(chan bool),
	}
}

// Start consumes in the background until ctx is cancelled or Close is
// called. It returns once the first group session is set up.
func (k *KafkaActivity) Start(ctx context.Context) error {
	ctx, k.cancel = context.WithCancel(ctx)
	ready := k.ready

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			h := &activityHandler{k: k, ready: k.ready}
			err := k.client.Consume(ctx, []string{k.cfg.Topic}, h)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				k.logger.Error("kafka consume", "topic", k.cfg.Topic, "err", err, "retry_in", k.cfg.RetryBackoff)
				select {
				case <-time.After(k.cfg.RetryBackoff):
				case <-ctx.Done():
					return
				}
			}
			if h.isSetUp() {
				k.ready = make(chan bool)
			}
		}
	}()

	select {
	case <-ready:
		k.logger.Info("wallet activity consumer ready", "topic", k.cfg.Topic, "group", k.cfg.GroupID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the consumer gracefully.
func (k *KafkaActivity) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	return k.client.Close()
}

// Ingest decodes one event value and buffers it.
func (k *KafkaActivity) Ingest(value []byte) error {
	var t model.WalletTrade
	if err := json.Unmarshal(value, &t); err != nil {
		return fmt.Errorf("%w: %v", ErrBadTrade, err)
	}
	if t.Wallet == "" || t.Asset == "" || (t.Side != model.SideBuy && t.Side != model.SideSell) {
		return fmt.Errorf("%w: missing wallet, asset or side", ErrBadTrade)
	}
	now := k.now()
	if t.At.IsZero() {
		t.At = now
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.buf = append(k.buf, received{trade: t, at: now})
	k.pruneLocked(now)
	return nil
}

func (k *KafkaActivity) pruneLocked(now time.Time) {
	drop := 0
	if k.cfg.Retention > 0 {
		for drop < len(k.buf) && now.Sub(k.buf[drop].at) > k.cfg.Retention {
			drop++
		}
	}
	if over := len(k.buf) - drop - k.cfg.MaxBuffered; over > 0 {
		drop += over
	}
	if drop > 0 {
		k.buf = append(k.buf[:0], k.buf[drop:]...)
	}
}

// Buffered returns the number of buffered events.
func (k *KafkaActivity) Buffered() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.buf)
}

// RecentTrades implements tracker.ActivitySource.
func (k *KafkaActivity) RecentTrades(_ context.Context, wallets []model.WatchedWallet, since time.Time) ([]model.WalletTrade, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var recent []model.WalletTrade
	for _, r := range k.buf {
		if r.at.After(since) {
			recent = append(recent, r.trade)
		}
	}
	return filterTrades(recent, wallets, time.Time{}), nil
}

// activityHandler implements sarama.ConsumerGroupHandler.
type activityHandler struct {
	k     *KafkaActivity
	ready chan bool
}

func (h *activityHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// isSetUp reports whether a session closed ready.
func (h *activityHandler) isSetUp() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

func (h *activityHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *activityHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.k.Ingest(msg.Value); err != nil {
				h.k.logger.Warn("dropping wallet trade event", "topic", msg.Topic, "offset", msg.Offset, "err", err)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
