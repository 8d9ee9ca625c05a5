package bus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// Kafka implements Bus using a Kafka cluster, one topic per event key.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	mu       sync.Mutex
	subs     map[string]*kafkaSubscription
}

// NewKafka creates a Kafka bus connecting to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// topic maps an event key to a legal Kafka topic name; colons are not
// allowed in topic names.
func topic(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// Publish implements Bus.Publish.
func (b *Kafka) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{Topic: topic(key), Value: sarama.StringEncoder("1")}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *Kafka) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(topic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub, key)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = b.Unsubscribe(context.Background(), key, ch)
		}()
	}
	return ch, nil
}

// dispatch fans consumed messages out to subscriber channels. Sends happen
// under the lock so Unsubscribe cannot close a channel mid-send.
func (b *Kafka) dispatch(sub *kafkaSubscription, key string) {
	for range sub.pc.Messages() {
		b.mu.Lock()
		if cur := b.subs[key]; cur != nil {
			for _, c := range cur.chans {
				select {
				case c <- struct{}{}:
				default:
				}
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *Kafka) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close releases the producer and consumer.
func (b *Kafka) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
