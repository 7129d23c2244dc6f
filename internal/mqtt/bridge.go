package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/covertime/covertime/internal/cover"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"

	mqttCalibrateCancel = "cancel"

	defaultCalibrationTimeout = 5 * time.Minute
)

type calibrateRequest struct {
	Attribute      string  `json:"attribute"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	Direction      string  `json:"direction,omitempty"`
}

// Bridge maps one cover onto its MQTT topic tree: retained state out,
// commands in.
type Bridge struct {
	mqtt  mqtt.Client
	cover cover.Cover

	StateTopic    string
	PositionTopic string
	TiltTopic     string
	MetadataTopic string

	CommandTopic         string
	PositionChangeTopic  string
	TiltChangeTopic      string
	CalibrateTopic       string
	CalibrateStopTopic   string
	CalibrateResultTopic string
	ObservedTopic        string

	unsubscribeOnce sync.Once
}

func NewBridge(client mqtt.Client, c cover.Cover) *Bridge {
	bridge := &Bridge{mqtt: client, cover: c}
	bridge.StateTopic = fmt.Sprintf("covertime/%s/state", c.Name())
	bridge.PositionTopic = fmt.Sprintf("covertime/%s/position", c.Name())
	bridge.TiltTopic = fmt.Sprintf("covertime/%s/tilt", c.Name())
	bridge.MetadataTopic = fmt.Sprintf("covertime/%s/metadata", c.Name())
	bridge.CommandTopic = fmt.Sprintf("covertime/%s/set", c.Name())
	bridge.PositionChangeTopic = fmt.Sprintf("covertime/%s/position/set", c.Name())
	bridge.TiltChangeTopic = fmt.Sprintf("covertime/%s/tilt/set", c.Name())
	bridge.CalibrateTopic = fmt.Sprintf("covertime/%s/calibrate/set", c.Name())
	bridge.CalibrateStopTopic = fmt.Sprintf("covertime/%s/calibrate/stop", c.Name())
	bridge.CalibrateResultTopic = fmt.Sprintf("covertime/%s/calibrate/result", c.Name())
	bridge.ObservedTopic = fmt.Sprintf("covertime/%s/observed", c.Name())

	c.OnUpdate(bridge.onCoverUpdateHandler())

	return bridge
}

func (b *Bridge) SetMetadata(value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.cover.Name())
	}

	return nil
}

func (b *Bridge) Subscribe(ctx context.Context) error {
	subscriptions := map[string]mqtt.MessageHandler{
		b.CommandTopic:        b.onCommandHandler(ctx),
		b.PositionChangeTopic: b.onPositionChangeHandler(ctx),
	}
	if b.cover.HasTilt() {
		subscriptions[b.TiltChangeTopic] = b.onTiltChangeHandler(ctx)
	}
	if _, ok := b.cover.(cover.Calibrator); ok {
		subscriptions[b.CalibrateTopic] = b.onCalibrateHandler(ctx)
		subscriptions[b.CalibrateStopTopic] = b.onCalibrateStopHandler(ctx)
	}
	if observer, ok := b.cover.(observedChangeHandler); ok {
		subscriptions[b.ObservedTopic] = b.onObservedHandler(observer)
	}

	topics := make([]string, 0, len(subscriptions))
	for topic, handler := range subscriptions {
		if token := b.mqtt.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "%s: MQTT subscription of %s failed", b.cover.Name(), topic)
		}
		logrus.Debugf("%s: MQTT topic %s subscribed", b.cover.Name(), topic)
		topics = append(topics, topic)
	}
	logrus.Infof("%s: MQTT command topics subscribed", b.cover.Name())

	// Subscribe runs again on every broker reconnect; the unsubscribe
	// watcher is bound to the context once for the bridge lifetime
	b.unsubscribeOnce.Do(func() {
		go func() {
			<-ctx.Done()
			if token := b.mqtt.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
				logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.cover.Name(), token.Error())
			}
		}()
	})

	return nil
}

// observedChangeHandler is implemented by covers that can fold externally
// observed actuator output changes back into their position estimate.
type observedChangeHandler interface {
	HandleObservedChange(output string, on bool)
}

func (b *Bridge) onCoverUpdateHandler() cover.UpdateHandler {
	return func(state string, position int, tiltPosition int) {
		if token := b.mqtt.Publish(b.StateTopic, 0, true, state); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT state publish failed: %s", b.cover.Name(), token.Error())
		}
		if token := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(position)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", b.cover.Name(), token.Error())
		}
		if !b.cover.HasTilt() {
			return
		}
		if token := b.mqtt.Publish(b.TiltTopic, 0, true, strconv.Itoa(tiltPosition)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT tilt publish failed: %s", b.cover.Name(), token.Error())
		}
	}
}

func (b *Bridge) onCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		cmd := string(msg.Payload())
		var err error
		switch cmd {
		case mqttOpenCmd:
			err = b.cover.Open(ctx)
		case mqttCloseCmd:
			err = b.cover.Close(ctx)
		case mqttStopCmd:
			err = b.cover.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.cover.Name(), cmd)
			return
		}
		if err != nil {
			logrus.Errorf("%s: %s command failed: %s", b.cover.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		position, err := strconv.Atoi(string(msg.Payload()))
		if err != nil {
			logrus.Errorf("%s: MQTT position payload: %s", b.cover.Name(), err)
			return
		}
		if err := b.cover.SetPosition(ctx, position); err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onTiltChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		position, err := strconv.Atoi(string(msg.Payload()))
		if err != nil {
			logrus.Errorf("%s: MQTT tilt payload: %s", b.cover.Name(), err)
			return
		}
		if err := b.cover.SetTilt(ctx, position); err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onCalibrateHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		calibrator := b.cover.(cover.Calibrator)

		var req calibrateRequest
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			logrus.Errorf("%s: MQTT calibrate payload: %s", b.cover.Name(), err)
			return
		}

		timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
		if timeout <= 0 {
			timeout = defaultCalibrationTimeout
		}

		err := calibrator.StartCalibration(ctx, cover.CalibrationAttribute(req.Attribute), timeout, req.Direction)
		if err != nil {
			logrus.Errorf("%s: calibration start failed: %s", b.cover.Name(), err)
		}
	}
}

func (b *Bridge) onCalibrateStopHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		calibrator := b.cover.(cover.Calibrator)
		cancel := string(msg.Payload()) == mqttCalibrateCancel

		result, err := calibrator.StopCalibration(ctx, cancel)
		if err != nil {
			logrus.Errorf("%s: calibration stop failed: %s", b.cover.Name(), err)
			return
		}
		if result == nil {
			return
		}

		payload, err := json.Marshal(result)
		if err != nil {
			logrus.Errorf("%s: calibration result marshal failed: %s", b.cover.Name(), err)
			return
		}
		if token := b.mqtt.Publish(b.CalibrateResultTopic, 0, false, payload); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT calibration result publish failed: %s", b.cover.Name(), token.Error())
		}
	}
}

// onObservedHandler feeds externally observed output changes (a wall switch
// wired in parallel, reported by whatever watches it) into the estimator.
// Payload format: "<output> on" or "<output> off".
func (b *Bridge) onObservedHandler(observer observedChangeHandler) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		fields := strings.Fields(string(msg.Payload()))
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			logrus.Errorf("%s: MQTT observed payload %q not understood", b.cover.Name(), msg.Payload())
			return
		}
		observer.HandleObservedChange(fields[0], fields[1] == "on")
	}
}
