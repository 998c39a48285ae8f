// Command poll-trigger asks a running poller to start a round now by
// publishing to its MQTT trigger topic.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"

	"podlocator/go-poller/internal/notify"
)

func main() {
	brokerAddr := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	prefix := pflag.String("prefix", "podlocator", "topic prefix the poller was configured with")
	timeout := pflag.Duration("timeout", 5*time.Second, "how long to wait for the broker")
	pflag.Parse()

	clientID := fmt.Sprintf("poll-trigger-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(*timeout) || token.Error() != nil {
		log.Fatalf("failed to connect to broker %s: %v", *brokerAddr, token.Error())
	}
	defer client.Disconnect(250)

	topic := notify.TriggerTopic(*prefix)
	token := client.Publish(topic, 1, false, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	if !token.WaitTimeout(*timeout) {
		log.Printf("publish to %s timed out", topic)
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		log.Printf("publish error: %v", err)
		os.Exit(1)
	}
	log.Printf("requested poll on %s", topic)
}
