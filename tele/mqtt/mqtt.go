// Package tele_mqtt publishes sensor events to MQTT broker:
// <prefix>/sensor/<id>/data  retained JSON reading
// <prefix>/sensor/<id>/state retained device state or last failure
package tele_mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/wemosbridge/bridge/hardware/slave"
	"github.com/wemosbridge/bridge/helpers"
	"github.com/wemosbridge/bridge/log2"
	"github.com/wemosbridge/bridge/tele"
	tele_config "github.com/wemosbridge/bridge/tele/config"
)

const DefaultTopicPrefix = "bridge"

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Client struct {
	log     *log2.Log
	m       mqtt.Client
	pub     publisher
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	stopCh  chan struct{}
}

var _ tele.Teler = &Client{}

func (self *Client) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error {
	c := teleConfig.Mqtt
	self.setup(log, c)
	if c.Broker == "" {
		return errors.NotValidf("tele mqtt broker empty")
	}

	mqttLog := self.log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if c.LogDebug {
		mqtt.DEBUG = mqttLog
	}

	clientID := c.ClientID
	if clientID == "" {
		clientID = self.prefix
	}
	connectTimeout := self.timeout * 3
	keepalive := helpers.IntSecondDefault(c.KeepaliveSec, self.timeout*2)
	mopt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(self.timeout).
		SetWill(self.topicBridge(), "offline", self.qos, true).
		SetWriteTimeout(self.timeout)
	if c.Username != "" {
		mopt.SetUsername(c.Username).SetPassword(c.Password)
	}
	mopt.SetOnConnectHandler(func(m mqtt.Client) {
		self.log.Infof("tele mqtt connected broker=%s", c.Broker)
		self.publish(self.topicBridge(), "online", true)
	})
	mopt.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		self.log.Infof("tele mqtt connection lost err=%v", err)
	})
	self.m = mqtt.NewClient(mopt)
	self.pub = self.m

	go self.online()
	return nil
}

func (self *Client) setup(log *log2.Log, c tele_config.MqttConfig) {
	self.log = log
	self.prefix = c.TopicPrefix
	if self.prefix == "" {
		self.prefix = DefaultTopicPrefix
	}
	self.qos = byte(c.Qos)
	self.retain = c.Retain
	self.timeout = helpers.IntSecondDefault(c.NetworkTimeoutSec, tele.DefaultNetworkTimeout)
	self.stopCh = make(chan struct{})
}

func (self *Client) Close() {
	close(self.stopCh)
	if self.m != nil {
		self.m.Disconnect(uint(self.timeout / time.Millisecond))
	}
}

func (self *Client) Event(e slave.Event) {
	r := tele.NewReading(e)
	switch e.Kind {
	case slave.EventPacket:
		self.publish(self.topicSensor(e.SensorID, "data"), r.JSON(), self.retain)
	case slave.EventFailure, slave.EventState:
		self.publish(self.topicSensor(e.SensorID, "state"), r.JSON(), self.retain)
	}
}

func (self *Client) Error(err error) {
	self.publish(self.prefix+"/error", err.Error(), false)
}

func (self *Client) topicSensor(id uint8, suffix string) string {
	return fmt.Sprintf("%s/sensor/%d/%s", self.prefix, id, suffix)
}
func (self *Client) topicBridge() string { return self.prefix + "/bridge" }

// publish does not wait for delivery, paho queues messages while reconnecting.
func (self *Client) publish(topic string, payload interface{}, retain bool) {
	if self.pub == nil {
		return
	}
	t := self.pub.Publish(topic, self.qos, retain, payload)
	go func() { _ = self.tokenWait(t, "publish "+topic) }()
}

func (self *Client) online() {
	for self.isRunning() {
		t := self.m.Connect()
		if self.tokenWait(t, "connect") == nil {
			return
		}
		select {
		case <-self.stopCh:
		case <-time.After(time.Second):
		}
	}
}

func (self *Client) isRunning() bool {
	select {
	case <-self.stopCh:
		return false
	default:
		return true
	}
}

func (self *Client) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout * 3) {
		err := errors.Timeoutf("tele mqtt %s", tag)
		self.log.Debugf("%s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "tele mqtt %s", tag)
		self.log.Debugf("%s", err.Error())
		return err
	}
	return nil
}
