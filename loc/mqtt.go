package loc

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultTopicPrefix is used when neither env nor config set a prefix
const DefaultTopicPrefix = "fieldloc"

// Commands is the write surface exposed to remote operators
type Commands interface {
	ResetPosition(x, y float64, heading *float64) error
	ForceGlobalSearch()
}

// MQTTClient subscribes to range, heading and command topics and feeds
// them into a LatestValues store and a Commands target.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	prefix      string
	values      *LatestValues
	commands    Commands
	isConnected bool
	mu          sync.RWMutex
}

// resetCommand is the payload of <prefix>/cmd/reset; heading is in degrees
type resetCommand struct {
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Heading *float64 `json:"heading,omitempty"`
}

// ResolvePrefix returns the topic prefix from env, then config, then default
func ResolvePrefix(config *Config) string {
	if p := os.Getenv("MQTT_PUBLISH_PREFIX"); p != "" {
		return p
	}
	if config != nil && config.MQTT.PublishPrefix != "" {
		return config.MQTT.PublishPrefix
	}
	return DefaultTopicPrefix
}

// InitMQTT connects to the broker named by MQTT_BROKER or the config.
// If no broker is configured, MQTT is disabled and this returns nil.
func InitMQTT(config *Config, values *LatestValues, commands Commands) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sensors.Devices) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no sensor configuration provided")
	}

	client := &MQTTClient{
		config:   config,
		prefix:   ResolvePrefix(config),
		values:   values,
		commands: commands,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "fieldloc"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true) // stale range samples are useless after a reconnect
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// SensorTopic returns the range topic for a sensor
func (c *MQTTClient) SensorTopic(name string) string {
	return fmt.Sprintf("%s/sensors/%s", c.prefix, name)
}

// HeadingTopic returns the orientation topic
func (c *MQTTClient) HeadingTopic() string {
	return c.prefix + "/heading"
}

// ResetTopic returns the reset-position command topic
func (c *MQTTClient) ResetTopic() string {
	return c.prefix + "/cmd/reset"
}

// GlobalSearchTopic returns the force-global-search command topic
func (c *MQTTClient) GlobalSearchTopic() string {
	return c.prefix + "/cmd/global_search"
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	token := client.Subscribe(topic, 0, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
		return
	}
	log.Printf("Successfully subscribed to %s", topic)
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to sensor and command topics...")
	c.setConnected(true)

	if c.values != nil {
		for _, s := range c.config.Sensors.Devices {
			c.subscribe(client, c.SensorTopic(s.Name), c.createRangeHandler(s.Name))
		}
		c.subscribe(client, c.HeadingTopic(), c.handleHeading)
	}
	if c.commands != nil {
		c.subscribe(client, c.ResetTopic(), c.handleReset)
		c.subscribe(client, c.GlobalSearchTopic(), c.handleGlobalSearch)
	}
}

// onConnectionLost is called when the MQTT connection is lost
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// parseNumber accepts a bare number, a JSON number, or a JSON object with
// the value under key.
func parseNumber(payload []byte, key string) (float64, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return 0, fmt.Errorf("empty payload")
	}
	if v, err := strconv.ParseFloat(text, 64); err == nil {
		return v, nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return 0, fmt.Errorf("unrecognized payload %q", text)
	}
	v, ok := obj[key].(float64)
	if !ok {
		return 0, fmt.Errorf("payload has no numeric %q field", key)
	}
	return v, nil
}

// createRangeHandler creates a handler for one sensor's range topic
func (c *MQTTClient) createRangeHandler(name string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		mm, err := parseNumber(msg.Payload(), "distance")
		if err != nil {
			log.Printf("Error decoding range for %s: %v", name, err)
			return
		}
		if err := c.values.SetDistanceByName(name, mm); err != nil {
			log.Printf("Error storing range for %s: %v", name, err)
		}
	}
}

// handleHeading stores an absolute heading in degrees
func (c *MQTTClient) handleHeading(client mqtt.Client, msg mqtt.Message) {
	deg, err := parseNumber(msg.Payload(), "heading")
	if err != nil {
		log.Printf("Error decoding heading: %v", err)
		return
	}
	c.values.SetAbsoluteHeading(Radians(deg))
}

// handleReset applies a reset-position command
func (c *MQTTClient) handleReset(client mqtt.Client, msg mqtt.Message) {
	var cmd resetCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("Error decoding reset command: %v", err)
		return
	}
	if math.IsNaN(cmd.X) || math.IsNaN(cmd.Y) {
		log.Printf("Error: reset command has invalid coordinates")
		return
	}

	var heading *float64
	if cmd.Heading != nil {
		h := Radians(*cmd.Heading)
		heading = &h
	}
	if err := c.commands.ResetPosition(cmd.X, cmd.Y, heading); err != nil {
		log.Printf("Error applying reset command: %v", err)
	}
}

// handleGlobalSearch forces a global re-search on the next cycle
func (c *MQTTClient) handleGlobalSearch(client mqtt.Client, msg mqtt.Message) {
	c.commands.ForceGlobalSearch()
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// Prefix returns the topic prefix in use
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, values *LatestValues, commands Commands) *MQTTClient {
	return &MQTTClient{
		client:   client,
		config:   config,
		prefix:   ResolvePrefix(config),
		values:   values,
		commands: commands,
	}
}
