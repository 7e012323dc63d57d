// Package bridge mirrors the state model onto MQTT so home-automation
// consumers can follow bed state without polling the daemon.
package bridge

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/joshp123/eightsleep-golang/eightsleep"
	"github.com/joshp123/eightsleep-golang/internal/config"
)

// Bridge publishes retained state and availability topics. Topics:
//
//	<base>/beds/<bedId>/state
//	<base>/beds/<bedId>/<left|right>/state
//	<base>/availability/<scope>
type Bridge struct {
	client    mqtt.Client
	account   *eightsleep.Account
	baseTopic string
	qos       byte
}

func New(cfg config.MQTTConfig, account *eightsleep.Account) (*Bridge, error) {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &Bridge{
		client:    client,
		account:   account,
		baseTopic: cfg.BaseTopic,
		qos:       byte(cfg.QoS),
	}, nil
}

// PublishState pushes every bed and side snapshot as retained JSON.
// Meant to run from the refresh engine's applied callback.
func (b *Bridge) PublishState() {
	for _, bed := range b.account.Beds() {
		bedState := bed.State()
		b.publishJSON(fmt.Sprintf("%s/beds/%s/state", b.baseTopic, bedState.ID), bedState)

		for _, side := range []*eightsleep.Side{bed.Left(), bed.Right()} {
			state := side.State()
			if state.UserID == "" {
				continue
			}
			topic := fmt.Sprintf("%s/beds/%s/%s/state", b.baseTopic, state.BedID, state.Position)
			b.publishJSON(topic, state)
		}
	}
}

// PublishAvailability pushes a scope's online/offline transition.
func (b *Bridge) PublishAvailability(scope eightsleep.Scope, available bool) {
	payload := "offline"
	if available {
		payload = "online"
	}
	topic := fmt.Sprintf("%s/availability/%s", b.baseTopic, scope)
	if token := b.client.Publish(topic, b.qos, true, payload); token.Wait() && token.Error() != nil {
		log.Printf("bridge: publish %s: %v", topic, token.Error())
	}
}

func (b *Bridge) publishJSON(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("bridge: marshal %s: %v", topic, err)
		return
	}
	if token := b.client.Publish(topic, b.qos, true, data); token.Wait() && token.Error() != nil {
		log.Printf("bridge: publish %s: %v", topic, token.Error())
	}
}

func (b *Bridge) Close() {
	b.client.Disconnect(250)
}
