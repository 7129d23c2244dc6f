package main

import (
	"context"
	"os"
	"time"

	"github.com/covertime/covertime/internal/cover"
	"github.com/covertime/covertime/internal/cover/actuator"
	"github.com/covertime/covertime/internal/cover/tilt"
	"github.com/covertime/covertime/internal/mqtt"
	"github.com/covertime/covertime/internal/store"
	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type cfgPin struct {
	Kind string `yaml:"kind"`

	Pin      uint8 `yaml:"pin"`
	Mcp23017 int   `yaml:"mcp23017"`

	Bcm int `yaml:"bcm"`
}

type cfgOutput struct {
	Name string `yaml:"name"`

	Pin          cfgPin `yaml:"pin"`
	NormalClosed bool   `yaml:"normal_closed"`
}

type cfgActuator struct {
	Kind string `yaml:"kind"`

	Up   cfgOutput  `yaml:"up"`
	Down cfgOutput  `yaml:"down"`
	Stop *cfgOutput `yaml:"stop"`

	PulseTime time.Duration `yaml:"pulse_time" default:"500ms"`
}

type cfgTilt struct {
	Mode string `yaml:"mode"`

	TimeUp       time.Duration `yaml:"time_up" default:"1500ms"`
	TimeDown     time.Duration `yaml:"time_down" default:"1500ms"`
	StartupDelay time.Duration `yaml:"startup_delay"`

	SafeTilt  int `yaml:"safe_tilt"`
	MinTravel int `yaml:"min_travel"`

	Actuator *cfgActuator `yaml:"actuator"`
}

type cfgCoverMQTTBridge struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

type cfgCover struct {
	Name string `yaml:"name"`

	MQTTBridge cfgCoverMQTTBridge `yaml:"mqtt_bridge"`

	Actuator cfgActuator `yaml:"actuator"`
	Tilt     *cfgTilt    `yaml:"tilt"`

	TravelTimeUp   time.Duration `yaml:"travel_time_up" default:"1m"`
	TravelTimeDown time.Duration `yaml:"travel_time_down" default:"1m"`

	StartupDelay    time.Duration `yaml:"startup_delay"`
	MinMovementTime time.Duration `yaml:"min_movement_time"`
	EndpointRunOn   time.Duration `yaml:"endpoint_run_on"`
	UpdateInterval  time.Duration `yaml:"update_interval" default:"100ms"`
}

type cfgDrivers struct {
	Mcp23017 map[int]struct {
		Bus          uint8 `yaml:"bus" default:"1"`
		DeviceNumber uint8 `yaml:"device_number" default:"0"`
	} `yaml:"mcp23017"`
}

type cfgMQTT struct {
	ClientID string `yaml:"client_id" default:"covertime" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgStore struct {
	Path string `yaml:"path" default:"covertime.db" env:"PATH"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT  cfgMQTT  `yaml:"mqtt" env:"MQTT"`
	HASS  cfgHASS  `yaml:"hass" env:"HASS"`
	Store cfgStore `yaml:"store" env:"STORE"`

	Covers []cfgCover `yaml:"covers"`

	Drivers cfgDrivers `yaml:"drivers"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "COVERTIME",
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Error(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
		return
	}
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

func coversFromConfig(ctx context.Context, client paho.Client, st *store.Store) (bridges []*mqtt.Bridge, controllers []*cover.Controller) {
	for _, cfg := range Cfg.Covers {
		c := controllerFromConfig(ctx, cfg, st)
		c.Restore()

		bridge := mqtt.NewBridge(client, c)
		if err := bridge.SetMetadata(cfg.MQTTBridge.Metadata); err != nil {
			logrus.Fatal(err)
			continue
		}

		bridges = append(bridges, bridge)
		controllers = append(controllers, c)
	}

	return bridges, controllers
}

func controllerFromConfig(ctx context.Context, cfg cfgCover, st *store.Store) *cover.Controller {
	coverCfg := cover.Config{
		Name:            cfg.Name,
		TravelTimeUp:    cfg.TravelTimeUp,
		TravelTimeDown:  cfg.TravelTimeDown,
		StartupDelay:    cfg.StartupDelay,
		MinMovementTime: cfg.MinMovementTime,
		EndpointRunOn:   cfg.EndpointRunOn,
		UpdateInterval:  cfg.UpdateInterval,
	}
	if cfg.Tilt != nil {
		coverCfg.TiltTimeUp = cfg.Tilt.TimeUp
		coverCfg.TiltTimeDown = cfg.Tilt.TimeDown
		coverCfg.TiltStartupDelay = cfg.Tilt.StartupDelay
	}

	c := cover.NewController(coverCfg, actuatorFromConfig(ctx, cfg.Actuator))

	if cfg.Tilt != nil {
		strategy := tiltStrategyFromConfig(cfg.Tilt)

		var tiltAct actuator.Strategy
		if strategy.SeparateTiltMotor() {
			if cfg.Tilt.Actuator == nil {
				logrus.Fatalf("%s: tilt mode %s needs its own actuator", cfg.Name, cfg.Tilt.Mode)
			}
			tiltAct = actuatorFromConfig(ctx, *cfg.Tilt.Actuator)
		}

		c = c.WithTilt(strategy, tiltAct)
	}

	if st != nil {
		c = c.WithStore(st)
	}

	return c
}

func tiltStrategyFromConfig(cfg *cfgTilt) tilt.Strategy {
	switch cfg.Mode {
	case "proportional":
		return tilt.NewProportional()
	case "sequential":
		return tilt.NewSequential()
	case "inline":
		return tilt.NewInline()
	case "dual_motor":
		if cfg.MinTravel > 0 {
			return tilt.NewGatedDualMotor(cfg.SafeTilt, cfg.MinTravel)
		}
		return tilt.NewDualMotor(cfg.SafeTilt)
	}

	logrus.Fatalf("%s is not supported tilt mode", cfg.Mode)
	return nil
}

func actuatorFromConfig(ctx context.Context, cfg cfgActuator) actuator.Strategy {
	// one interlock per actuator: its own up and down may never be on at once
	interlock := actuator.NewInterlock()

	up := outputFromConfig(ctx, cfg.Up, "up", interlock)
	down := outputFromConfig(ctx, cfg.Down, "down", interlock)

	var stop actuator.Output
	if cfg.Stop != nil {
		stop = outputFromConfig(ctx, *cfg.Stop, "stop", interlock)
	}

	switch cfg.Kind {
	case "switch":
		return actuator.NewSwitch(up, down, stop)
	case "pulse":
		return actuator.NewPulse(up, down, stop, cfg.PulseTime)
	case "toggle":
		if stop != nil {
			logrus.Fatal("toggle actuator stops by re-pulsing, stop output is not used")
		}
		return actuator.NewToggle(up, down, cfg.PulseTime)
	}

	logrus.Fatalf("%s is not supported actuator kind", cfg.Kind)
	return nil
}

func outputFromConfig(ctx context.Context, cfg cfgOutput, role string, interlock *actuator.Interlock) actuator.Output {
	name := cfg.Name
	if name == "" {
		name = role
	}

	if cfg.Pin.Kind == "fake" {
		return actuator.NewLoggedFake(name)
	}

	return actuator.NewPinOutput(name, pinFromConfig(ctx, cfg.Pin), cfg.NormalClosed, interlock)
}

func pinFromConfig(ctx context.Context, cfg cfgPin) actuator.SetPin {
	switch cfg.Kind {
	case "mcp23017":
		device := mcp23017DeviceFromConfigByID(ctx, cfg.Mcp23017)

		p, err := actuator.NewMcp23017Pin(device, cfg.Pin)
		if err != nil {
			logrus.Fatal(err)
		}
		return p
	case "rpio":
		ensureRpio(ctx)
		return actuator.NewRpioPin(cfg.Bcm)
	}

	logrus.Fatalf("%s is not supported output pin kind", cfg.Kind)
	return nil
}

var rpioOpened bool

func ensureRpio(ctx context.Context) {
	if rpioOpened {
		return
	}

	if err := actuator.OpenRpio(); err != nil {
		logrus.Fatal(err)
	}
	rpioOpened = true

	go func() {
		<-ctx.Done()
		if err := actuator.CloseRpio(); err != nil {
			logrus.Errorf("rpio: close failed %s", err)
			return
		}

		logrus.Info("rpio: close")
	}()
}

var mcpDevices = map[int]*mcp23017.Device{}

func mcp23017DeviceFromConfigByID(ctx context.Context, id int) *mcp23017.Device {
	if Cfg.Drivers.Mcp23017 == nil {
		logrus.Fatal("drivers.mcp23017 not defined")
	}

	cfg, found := Cfg.Drivers.Mcp23017[id]
	if !found {
		logrus.Fatalf("%d is not valid defined drivers.mcp23017", id)
		return nil
	}

	dev := mcpDevices[id]
	if dev == nil {
		var err error
		dev, err = mcp23017.Open(cfg.Bus, cfg.DeviceNumber)
		if err != nil {
			logrus.Fatal(err)
		}
		go func() {
			<-ctx.Done()
			if err := dev.Close(); err != nil {
				logrus.Errorf("mcp23017: close failed %s", err)
				return
			}

			logrus.Infof("mcp23017: close")
		}()
		if err := dev.Reset(); err != nil {
			logrus.Fatal(err)
		}

		mcpDevices[id] = dev
	}

	return dev
}
