package storage

import (
	"encoding/json"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
)

func TestLogActivityToKafka(t *testing.T) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewAsyncProducer(t, config)
	producer.ExpectInputWithCheckerFunctionAndSucceed(func(val []byte) error {
		var activity map[string]interface{}
		if err := json.Unmarshal(val, &activity); err != nil {
			return err
		}
		if activity["Action"] != "convert" {
			t.Errorf("unexpected activity: %v\n", activity)
		}
		return nil
	})
	SetKafkaProducer(producer, "test-activity")
	if KafkaActivityTopic() != "test-activity" {
		t.Fatalf("bad activity topic: %s\n", KafkaActivityTopic())
	}

	LogActivityToKafka(map[string]interface{}{"Action": "convert", "Image": 7})
	msg := <-producer.Successes()
	if msg.Topic != "test-activity" {
		t.Errorf("message sent to topic %q\n", msg.Topic)
	}
	KafkaShutdown()

	// Logging after shutdown is a no-op.
	LogActivityToKafka(map[string]interface{}{"Action": "ignored"})
}
