package storage

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/janelia-flyem/slidetile/slide"
)

var (
	kafkaMu       sync.RWMutex
	kafkaProducer sarama.AsyncProducer

	// the kafka topic for activity logging
	kafkaActivityTopicName string
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * slide.Kilo

// KafkaConfig describes kafka servers used for activity logging.
type KafkaConfig struct {
	TopicActivity string // if supplied, will be override topic for activity log
	Servers       []string
	BufferSize    int // producer channel buffer size
}

// KafkaActivityTopic returns the topic name used for logging activity for this server.
func KafkaActivityTopic() string {
	kafkaMu.RLock()
	defer kafkaMu.RUnlock()
	return kafkaActivityTopicName
}

// Initialize sets up the activity topic and producer.  Without servers it is a no-op.
func (kc KafkaConfig) Initialize(hostID string) error {
	if len(kc.Servers) == 0 {
		return nil
	}
	topic := kc.TopicActivity
	if topic == "" {
		topic = "slidetileactivity-" + hostID
	}
	reg, err := regexp.Compile(`[^a-zA-Z0-9\\._\\-]+`)
	if err != nil {
		return err
	}
	topic = reg.ReplaceAllString(topic, "-")

	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return err
	}
	SetKafkaProducer(producer, topic)
	slide.Infof("Kafka topic for slidetile activity: %s\n", topic)
	return nil
}

// SetKafkaProducer installs a producer for the activity topic and starts
// draining its error channel.
func SetKafkaProducer(producer sarama.AsyncProducer, topic string) {
	kafkaMu.Lock()
	kafkaProducer = producer
	kafkaActivityTopicName = topic
	kafkaMu.Unlock()
	if producer == nil {
		return
	}
	go func() {
		for err := range producer.Errors() {
			slide.Errorf("error on kafka send to topic %q: %v\n", err.Msg.Topic, err.Err)
		}
	}()
}

// KafkaShutdown makes sure that the kafka queue is flushed before stopping.
func KafkaShutdown() {
	kafkaMu.Lock()
	producer := kafkaProducer
	kafkaProducer = nil
	kafkaMu.Unlock()
	if producer == nil {
		slide.Infof("Kafka producer was nil so unnecessary to close.\n")
		return
	}
	if err := producer.Close(); err != nil {
		slide.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		slide.Infof("Successfully shut down kafka producer.\n")
	}
}

// LogActivityToKafka publishes activity such as conversions and registry changes.
func LogActivityToKafka(activity map[string]interface{}) {
	kafkaMu.RLock()
	active := kafkaProducer != nil
	kafkaMu.RUnlock()
	if !active {
		return
	}
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		slide.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	if err := KafkaProduceMsg(jsonmsg, KafkaActivityTopic()); err != nil {
		slide.Errorf("unable to publish activity: %v\n", err)
	}
}

// KafkaProduceMsg sends a message to kafka
func KafkaProduceMsg(value []byte, topicName string) error {
	kafkaMu.RLock()
	defer kafkaMu.RUnlock()
	if kafkaProducer == nil {
		return nil
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	msg := &sarama.ProducerMessage{Topic: topicName, Value: sarama.ByteEncoder(value), Key: timeKey}
	kafkaProducer.Input() <- msg
	return nil
}
